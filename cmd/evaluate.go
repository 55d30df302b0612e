package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/visiontrainer/internal/identity"
	"github.com/andresmejia3/visiontrainer/internal/store"
	"github.com/andresmejia3/visiontrainer/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var evalOpts Options

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Build a target profile from reference images and measure its accuracy",
	Long: `Builds the target profile from --refs, then classifies every image under
--known (ground truth: the target) and --unknown (ground truth: not the target)
and prints the accuracy over the images where the class was detected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfigDefaults(cmd, &evalOpts)
		if err := validateEvaluateFlags(&evalOpts); err != nil {
			return fail("Invalid arguments", err, nil)
		}
		return runEvaluate(cmd.Context(), evalOpts)
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalOpts.ClassName, "class", "k", "", "Target class name (see 'visiontrainer classes')")
	evaluateCmd.Flags().StringSliceVarP(&evalOpts.RefPaths, "refs", "r", nil, "Reference images or directories of the target")
	evaluateCmd.Flags().StringSliceVar(&evalOpts.KnownPaths, "known", nil, "Validation images or directories that show the target")
	evaluateCmd.Flags().StringSliceVar(&evalOpts.UnknownPaths, "unknown", nil, "Validation images or directories that do not show the target")
	evaluateCmd.Flags().StringVarP(&evalOpts.Manifest, "manifest", "m", "", "YAML file with 'known' and 'unknown' image lists")
	evaluateCmd.Flags().Float64VarP(&evalOpts.Threshold, "threshold", "t", 0, "Similarity above which a detection is Known (default from config, 0.8)")
	evaluateCmd.Flags().StringVarP(&evalOpts.Selection, "selection", "s", "", "Detection used per image: first or best (default from config)")

	evaluateCmd.MarkFlagRequired("class")
	evaluateCmd.MarkFlagRequired("refs")
	rootCmd.AddCommand(evaluateCmd)
}

// applyConfigDefaults fills flags the user did not set from the loaded config.
func applyConfigDefaults(cmd *cobra.Command, opts *Options) {
	if !cmd.Flags().Changed("threshold") {
		opts.Threshold = Cfg.Threshold
	}
	if opts.Selection == "" {
		opts.Selection = Cfg.Selection
	}
}

func runEvaluate(ctx context.Context, opts Options) error {
	// 1. Resolve the class and load every image before any model starts
	classID, err := Cfg.LookupClass(opts.ClassName)
	if err != nil {
		return fail("Unknown class", err, nil)
	}
	className := Cfg.ClassName(classID)

	refs, err := loadReferences(opts.RefPaths)
	if err != nil {
		return fail("Failed to load reference images", err, nil)
	}

	known, unknown := opts.KnownPaths, opts.UnknownPaths
	if opts.Manifest != "" {
		mk, mu, err := readManifest(opts.Manifest)
		if err != nil {
			return fail("Failed to read manifest", err, nil)
		}
		known = append(known, mk...)
		unknown = append(unknown, mu...)
	}
	records, unreadable, err := loadValidation(known, unknown)
	if err != nil {
		return fail("Failed to load validation images", err, nil)
	}
	fmt.Fprintf(os.Stderr, "🎯 Target class: %s (id %d), threshold %.2f\n", className, classID, opts.Threshold)
	fmt.Fprintf(os.Stderr, "🖼️  %d references, %d validation images (%d unreadable)\n", len(refs), len(records), len(unreadable))

	// 2. Start the models
	b, err := openBackend(ctx, Cfg)
	if err != nil {
		return fail("Failed to start model backend", err, nil)
	}
	defer b.Close()

	idOpts, err := identityOptions(Cfg, opts.Selection, opts.Threshold)
	if err != nil {
		return fail("Invalid pipeline options", err, nil)
	}

	// 3. Build the profile
	profile, report, err := buildProfile(ctx, b, idOpts, refs, classID)
	if err != nil {
		return fail("Failed to build target profile", err, b.crashLogs())
	}
	fmt.Fprintf(os.Stderr, "\n🧬 Profile built from %d/%d references (%d skipped, %d dims)\n",
		report.Used, len(refs), len(report.Skipped), profile.Dimensions())

	// 4. Evaluate
	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription("🔍 Evaluating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	idOpts.OnItem = func() { bar.Add(1) }
	acc, err := identity.NewEvaluator(b.session, idOpts).Evaluate(ctx, records, profile)
	bar.Finish()
	if err != nil {
		return fail("Evaluation failed", err, b.crashLogs())
	}

	printAccuracy(acc, len(unreadable))

	// 5. Record the run
	if DB != nil {
		id, err := DB.RecordEvaluation(ctx, store.EvaluationRun{
			ClassID:    classID,
			ClassName:  className,
			Threshold:  profile.Threshold(),
			References: profile.References(),
			Accuracy:   acc.Accuracy,
			Evaluated:  acc.Evaluated,
			Correct:    acc.Correct,
			Skipped:    acc.Skipped,
		})
		if err != nil {
			utils.ShowError("Failed to record evaluation", err, nil)
			return nil
		}
		fmt.Fprintf(os.Stderr, "💾 Recorded evaluation %s\n", id)
	}
	return nil
}

// buildProfile runs the builder with a progress bar over the references.
func buildProfile(ctx context.Context, b *backend, opts identity.Options, refs []identity.Reference, classID int) (*identity.TargetProfile, identity.BuildReport, error) {
	bar := progressbar.NewOptions(len(refs),
		progressbar.OptionSetDescription("🧬 Embedding references"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	opts.OnItem = func() { bar.Add(1) }
	profile, report, err := identity.NewBuilder(b.session, opts).Build(ctx, refs, classID)
	if errors.Is(err, identity.ErrNoValidReferences) {
		return nil, report, fmt.Errorf("%w: no reference image contains a detectable %s", err, Cfg.ClassName(classID))
	}
	return profile, report, err
}

func printAccuracy(acc identity.AccuracyReport, unreadable int) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 EVALUATION SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "✅ Correct:      %d\n", acc.Correct)
	fmt.Fprintf(os.Stderr, "🔢 Evaluated:    %d\n", acc.Evaluated)
	fmt.Fprintf(os.Stderr, "⏭️  Skipped:      %d (no detection) + %d (unreadable)\n", acc.Skipped, unreadable)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	// The accuracy itself goes to stdout so it can be piped
	fmt.Printf("Validation Accuracy: %.2f%%\n", acc.Accuracy*100)
}

// validateEvaluateFlags ensures all CLI arguments are valid before starting heavy processes.
func validateEvaluateFlags(opts *Options) error {
	if opts.ClassName == "" {
		return errors.New("--class is required")
	}
	if len(opts.RefPaths) == 0 {
		return errors.New("at least one --refs path is required")
	}
	if err := checkPaths(opts.RefPaths); err != nil {
		return err
	}
	if len(opts.KnownPaths) == 0 && len(opts.UnknownPaths) == 0 && opts.Manifest == "" {
		return errors.New("nothing to evaluate: pass --known, --unknown or --manifest")
	}
	if err := checkPaths(opts.KnownPaths); err != nil {
		return err
	}
	if err := checkPaths(opts.UnknownPaths); err != nil {
		return err
	}
	if opts.Manifest != "" {
		if err := checkPaths([]string{opts.Manifest}); err != nil {
			return err
		}
	}
	return validateThreshold(opts.Threshold)
}

func validateThreshold(t float64) error {
	if t < 0 || t > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", t)
	}
	return nil
}

func checkPaths(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("path does not exist: %s", p)
			}
			return fmt.Errorf("unable to access %s: %w", p, err)
		}
	}
	return nil
}
