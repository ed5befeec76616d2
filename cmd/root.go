package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/faceauth/internal/config"
	"github.com/andresmejia3/faceauth/internal/logging"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the flags shared by every command. Zero values mean "not set".
type Options struct {
	ConfigPath     string
	StoreBackend   string
	DatabaseURL    string
	UsersFile      string
	MatchThreshold float64
	RequiredBlinks int
	LivenessTTL    string
}

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// DB is the enrollment store shared by subcommands
	DB store.EnrollmentStore
	// Logger is the structured logger for library code
	Logger *slog.Logger

	rootOpts Options
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "faceauth",
	Short:   "Liveness-gated face enrollment and login",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootOpts.ConfigPath)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := applyOptions(cfg, rootOpts); err != nil {
			return err
		}
		Cfg = cfg
		Logger = logging.New(cfg.LogLevel)

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to release the store.
			DB.Close(context.Background())
		}
	},
}

// applyOptions lets explicit flags win over the environment and config file.
func applyOptions(cfg *config.Config, opts Options) error {
	if opts.StoreBackend != "" {
		cfg.Store.Backend = opts.StoreBackend
	}
	if opts.DatabaseURL != "" {
		cfg.Store.DatabaseURL = opts.DatabaseURL
		if opts.StoreBackend == "" {
			cfg.Store.Backend = config.BackendPostgres
		}
	}
	if opts.UsersFile != "" {
		cfg.Store.UsersFile = opts.UsersFile
	}
	if opts.MatchThreshold != 0 {
		cfg.Match.Threshold = opts.MatchThreshold
	}
	if opts.RequiredBlinks != 0 {
		cfg.Liveness.RequiredBlinks = opts.RequiredBlinks
	}
	if opts.LivenessTTL != "" {
		ttl, err := parseDuration(opts.LivenessTTL)
		if err != nil {
			return fmt.Errorf("invalid --liveness-ttl (use '5s', '500ms'): %w", err)
		}
		cfg.Liveness.TTL = ttl
	}
	return cfg.Validate()
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadDotEnv seeds the environment from ./.env when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env: %v\n", err)
	}
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootOpts.ConfigPath, "config", "", "YAML config file (environment variables still take precedence)")
	flags.StringVar(&rootOpts.StoreBackend, "store", "", "Enrollment store backend: file, postgres or redis")
	flags.StringVar(&rootOpts.DatabaseURL, "db", "", "PostgreSQL connection string (implies --store postgres)")
	flags.StringVar(&rootOpts.UsersFile, "users-file", "", "Path of the file store (default users.json)")
	flags.Float64VarP(&rootOpts.MatchThreshold, "threshold", "t", 0, "Face matching threshold, lower is stricter (default 0.6)")
	flags.IntVarP(&rootOpts.RequiredBlinks, "blinks", "b", 0, "Blinks required to pass liveness (default 2)")
	flags.StringVar(&rootOpts.LivenessTTL, "liveness-ttl", "", "Expire liveness if no usable embedding follows within this time (e.g. 10s)")
}
