package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/visiontrainer/internal/config"
	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/andresmejia3/visiontrainer/internal/store"
	"github.com/andresmejia3/visiontrainer/internal/utils"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the evaluate and watch commands
type Options struct {
	ClassName    string
	Threshold    float64
	Selection    string
	RefPaths     []string
	KnownPaths   []string
	UnknownPaths []string
	Manifest     string
	InputPath    string
	Camera       int
	Reader       string
	NthFrame     int
	TickTimeout  string
	Display      bool
	OutputPath   string
	Listen       string
}

var (
	// DB is the optional database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// Log is the shared leveled logger
	Log *logger.Logger

	dbURL      string
	configPath string
	logDir     string
)

// errNoDatabase is returned by commands that need the store when none is configured.
var errNoDatabase = errors.New("no database configured: pass --db or set POSTGRES_HOST")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "visiontrainer",
	Short:         "Few-shot object identity training, evaluation and live recognition",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,    // Execute prints errors itself
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags parsed fine; failures from here on are not usage errors
		cmd.SilenceUsage = true

		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		Log, err = logger.New(os.Stderr, logDir)
		if err != nil {
			return err
		}

		// The flag wins over the config file and the POSTGRES_* environment
		if dbURL == "" {
			dbURL = Cfg.Database.URL
		}
		if dbURL == "" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		releaseResources()
	},
}

// releaseResources closes the store and the log files. Safe to call twice.
func releaseResources() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	if Log != nil {
		Log.Close()
	}
}

// execute runs the command tree. Cobra skips PersistentPostRun when RunE
// fails, so teardown happens here for every outcome.
func execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	releaseResources()
	return err
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx); err != nil {
		var ce *commandError
		if errors.As(err, &ce) {
			utils.Die(ce.context, ce.err, ce.worker)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: from config or POSTGRES_* env, none disables recording)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write info/warning/error logs to this directory")
}
