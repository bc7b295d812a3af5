package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/castfinder/internal/config"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// annotationNoSetup marks commands that manage their own configuration.
const annotationNoSetup = "castfinder/no-setup"

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// DB is the optional database connection; nil when no database is configured
	DB *store.Store
	// Logger is the process logger
	Logger *slog.Logger

	cfgPath   string
	dbURL     string
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "castfinder",
	Short:   "Recognise known people in videos and find the films they share",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoSetup] != "" {
			return nil
		}

		var err error
		Cfg, Logger, err = setup()
		if err != nil {
			return err
		}

		// The database is optional: everything works against the local gallery without it
		if Cfg.Database.URL != "" {
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.New(cmd.Context(), Cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// setup loads .env, the config file and the persistent flag overrides, and builds the
// logger.
func setup() (*config.Config, *slog.Logger, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Options{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Writer: os.Stderr,
	})
	return cfg, logger, nil
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

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (optional; enables history and gallery mirroring)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}
