package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/broadcast"
	"github.com/andresmejia3/visiontrainer/internal/identity"
	"github.com/andresmejia3/visiontrainer/internal/opencv"
	"github.com/andresmejia3/visiontrainer/internal/source"
	"github.com/andresmejia3/visiontrainer/internal/store"
	"github.com/andresmejia3/visiontrainer/internal/types"
	"github.com/andresmejia3/visiontrainer/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var watchOpts Options

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Label every detection of the target class in a live camera or video as Known or Unknown",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfigDefaults(cmd, &watchOpts)
		if err := validateWatchFlags(&watchOpts); err != nil {
			return fail("Invalid arguments", err, nil)
		}
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.ClassName, "class", "k", "", "Target class name (see 'visiontrainer classes')")
	watchCmd.Flags().StringSliceVarP(&watchOpts.RefPaths, "refs", "r", nil, "Reference images or directories of the target")
	watchCmd.Flags().StringVarP(&watchOpts.InputPath, "input", "i", "", "Video file to process instead of a camera")
	watchCmd.Flags().IntVar(&watchOpts.Camera, "camera", 0, "Camera device index")
	watchCmd.Flags().StringVar(&watchOpts.Reader, "reader", "ffmpeg", "Video file decoder: ffmpeg or opencv (cameras always use opencv)")
	watchCmd.Flags().IntVarP(&watchOpts.NthFrame, "nth-frame", "n", 1, "Process every Nth frame, drop the rest")
	watchCmd.Flags().StringVar(&watchOpts.TickTimeout, "tick-timeout", "", "Upper bound on model time per frame (e.g. '2s'), empty for none")
	watchCmd.Flags().Float64VarP(&watchOpts.Threshold, "threshold", "t", 0, "Similarity above which a detection is Known (default from config, 0.8)")
	watchCmd.Flags().StringVarP(&watchOpts.Selection, "selection", "s", "", "Detection used per reference image: first or best (default from config)")
	watchCmd.Flags().BoolVarP(&watchOpts.Display, "display", "d", false, "Show annotated frames in a window (press q to stop)")
	watchCmd.Flags().StringVarP(&watchOpts.OutputPath, "output", "o", "", "Write annotated frames to this video file")
	watchCmd.Flags().StringVarP(&watchOpts.Listen, "listen", "l", "", "Broadcast labelled frames over websocket on this address (e.g. ':8080')")

	watchCmd.MarkFlagRequired("class")
	watchCmd.MarkFlagRequired("refs")
	rootCmd.AddCommand(watchCmd)
}

// watchStatus is what /api/v1/status reports while a run is active.
type watchStatus struct {
	mu         sync.Mutex
	Source     string
	Class      string
	State      string
	Frames     int
	Detections int
	Known      int
}

func (s *watchStatus) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"source":     s.Source,
		"class":      s.Class,
		"state":      s.State,
		"frames":     s.Frames,
		"detections": s.Detections,
		"known":      s.Known,
	}
}

// runWatch returns instead of exiting so the recorder, display and backend are
// closed by their defers on every path.
func runWatch(ctx context.Context, opts Options) error {
	// 1. Resolve the class and the references
	classID, err := Cfg.LookupClass(opts.ClassName)
	if err != nil {
		return fail("Unknown class", err, nil)
	}
	className := Cfg.ClassName(classID)
	refs, err := loadReferences(opts.RefPaths)
	if err != nil {
		return fail("Failed to load reference images", err, nil)
	}
	tickTimeout, _ := parseOptionalDuration(opts.TickTimeout)

	// 2. Start the models and build the profile
	b, err := openBackend(ctx, Cfg)
	if err != nil {
		return fail("Failed to start model backend", err, nil)
	}
	defer b.Close()

	idOpts, err := identityOptions(Cfg, opts.Selection, opts.Threshold)
	if err != nil {
		return fail("Invalid pipeline options", err, nil)
	}
	profile, report, err := buildProfile(ctx, b, idOpts, refs, classID)
	if err != nil {
		return fail("Failed to build target profile", err, b.crashLogs())
	}
	fmt.Fprintf(os.Stderr, "\n🧬 Profile built from %d/%d references, threshold %.2f\n", report.Used, len(refs), profile.Threshold())

	// 3. Open the frame source
	src, desc, fps, err := openSource(ctx, opts)
	if err != nil {
		return fail("Failed to open frame source", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📼 Watching %s for %s\n", desc, className)

	total := -1
	if opts.InputPath != "" {
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			total = n
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("👁️  Watching"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	// 4. Optional sinks
	var proc *identity.Processor
	status := &watchStatus{Source: desc, Class: className, State: identity.Idle.String()}

	var sessionID uuid.UUID
	if DB != nil {
		sessionID, err = DB.StartWatchSession(ctx, desc, classID, profile.Threshold())
		if err != nil {
			Log.Warning("Failed to register watch session, continuing without recording: %v", err)
		} else {
			fmt.Fprintf(os.Stderr, "💾 Recording watch session %s\n", sessionID)
		}
	}

	var display *opencv.Display
	if opts.Display {
		display = opencv.NewDisplay("visiontrainer", className, func() { proc.Stop() })
		defer display.Close()
	}

	var recorder *opencv.Recorder
	if opts.OutputPath != "" {
		recorder = opencv.NewRecorder(opts.OutputPath, fps, className)
		defer func() {
			if err := recorder.Close(); err != nil {
				Log.Warning("Failed to finalise %s: %v", opts.OutputPath, err)
			}
		}()
	}

	var hub *broadcast.Hub
	if opts.Listen != "" {
		hub, err = startBroadcast(ctx, opts.Listen, status)
		if err != nil {
			src.Close()
			return fail("Failed to start broadcast server", err, nil)
		}
	}

	onFrame := func(res identity.FrameResult) {
		bar.Set(res.Index)

		known := 0
		for _, l := range res.Labels {
			if l.Label == types.Known {
				known++
			}
		}
		status.mu.Lock()
		status.State = identity.Running.String()
		status.Frames = res.Index
		status.Detections += len(res.Labels)
		status.Known += known
		status.mu.Unlock()

		if sessionID != uuid.Nil {
			if err := DB.InsertFrameLabels(ctx, sessionID, res.Index, res.Labels); err != nil {
				Log.Warning("Failed to record frame %d: %v", res.Index, err)
			}
		}
		if hub != nil {
			if err := hub.PublishFrame(broadcast.FrameMessage{Index: res.Index, Class: className, Known: known, Labels: res.Labels}); err != nil {
				Log.Warning("Failed to publish frame %d: %v", res.Index, err)
			}
		}
		if display != nil {
			if err := display.Show(res.Frame, res.Labels); err != nil {
				Log.Warning("Failed to display frame %d: %v", res.Index, err)
			}
		}
		if recorder != nil {
			if err := recorder.Write(res.Frame, res.Labels); err != nil {
				Log.Error("Failed to write frame %d, stopping: %v", res.Index, err)
				proc.Stop()
			}
		}
	}

	// 5. Run until the stream ends, q is pressed or Ctrl+C
	proc, err = identity.NewProcessor(b.session, profile, src, identity.ProcessorOptions{
		Embedding:   idOpts.Embedding,
		Logger:      Log,
		Stride:      opts.NthFrame,
		TickTimeout: tickTimeout,
		OnFrame:     onFrame,
	})
	if err != nil {
		src.Close()
		return fail("Failed to create stream processor", err, nil)
	}

	sum, runErr := proc.Start(ctx)
	bar.Finish()

	status.mu.Lock()
	status.State = proc.State().String()
	status.mu.Unlock()

	// 6. Record and report
	if sessionID != uuid.Nil {
		reason := ""
		if sum.Reason != nil {
			reason = sum.Reason.Error()
		}
		// Background: ctx may already be cancelled by Ctrl+C
		err := DB.FinishWatchSession(context.Background(), store.WatchSession{
			ID:         sessionID,
			Frames:     sum.Frames,
			Processed:  sum.Processed,
			Detections: sum.Detections,
			Known:      sum.Known,
			Reason:     reason,
		})
		if err != nil {
			Log.Warning("Failed to finish watch session: %v", err)
		}
	}

	printWatchSummary(sum)
	if runErr != nil {
		return fail("Stream processing failed", runErr, b.crashLogs())
	}
	return nil
}

// openSource picks the frame source for opts and describes it for logs and the store.
func openSource(ctx context.Context, opts Options) (identity.FrameSource, string, float64, error) {
	if opts.InputPath != "" && opts.Reader == "ffmpeg" {
		s, err := source.OpenVideo(ctx, opts.InputPath)
		if err != nil {
			return nil, "", 0, err
		}
		return s, describeFile(opts.InputPath), 0, nil
	}

	target, desc := strconv.Itoa(opts.Camera), fmt.Sprintf("camera:%d", opts.Camera)
	if opts.InputPath != "" {
		target, desc = opts.InputPath, describeFile(opts.InputPath)
	}
	c, err := opencv.OpenCapture(target)
	if err != nil {
		return nil, "", 0, err
	}
	return c, desc, c.FPS(), nil
}

// describeFile tags a video path with a short content id so reruns on an edited file are told apart.
func describeFile(path string) string {
	id, err := utils.GenerateSourceID(path)
	if err != nil {
		return path
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", id[:12])
	return path + "#" + id[:12]
}

// startBroadcast serves the hub on addr until ctx is done.
func startBroadcast(ctx context.Context, addr string, status *watchStatus) (*broadcast.Hub, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hub := broadcast.NewHub(Log)
	srv := broadcast.NewServer(hub, status.snapshot, Log)

	go hub.Run(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil {
			Log.Error("Broadcast server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	fmt.Fprintf(os.Stderr, "📡 Viewers: ws://%s/ws\n", ln.Addr())
	return hub, nil
}

func printWatchSummary(sum identity.Summary) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 WATCH SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames read:      %d (%d processed)\n", sum.Frames, sum.Processed)
	fmt.Fprintf(os.Stderr, "👁️  Detections:       %d (%d known)\n", sum.Detections, sum.Known)
	fmt.Fprintf(os.Stderr, "🏁 Stopped because:  %s\n", stopReason(sum.Reason))
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// stopReason turns Summary.Reason into something readable.
func stopReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, identity.ErrStopped):
		return "stopped by user"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, identity.ErrAcquisitionFailed):
		return "end of stream (" + err.Error() + ")"
	}
	return err.Error()
}

// validateWatchFlags ensures all CLI arguments are valid before starting heavy processes.
func validateWatchFlags(opts *Options) error {
	if opts.ClassName == "" {
		return errors.New("--class is required")
	}
	if len(opts.RefPaths) == 0 {
		return errors.New("at least one --refs path is required")
	}
	if err := checkPaths(opts.RefPaths); err != nil {
		return err
	}
	if opts.InputPath != "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			return fmt.Errorf("input file: %w", err)
		}
		if info.IsDir() {
			return errors.New("input path is a directory, expected a video file")
		}
	}
	if opts.Camera < 0 {
		return fmt.Errorf("camera index must be >= 0, got %d", opts.Camera)
	}
	if opts.Reader != "ffmpeg" && opts.Reader != "opencv" {
		return fmt.Errorf("unknown reader %q (want ffmpeg or opencv)", opts.Reader)
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
	}
	if _, err := parseOptionalDuration(opts.TickTimeout); err != nil {
		return fmt.Errorf("invalid tick-timeout format (use '2s', '500ms'): %w", err)
	}
	return validateThreshold(opts.Threshold)
}

// parseOptionalDuration treats "" as zero.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %s", s)
	}
	return d, nil
}
