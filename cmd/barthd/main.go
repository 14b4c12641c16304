// barthd is the bartholomew kernel daemon and its admin CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bartholomew/internal/config"
	"bartholomew/internal/daemon"
	"bartholomew/internal/httpapi"
	"bartholomew/internal/logging"
)

// httpDrainTimeout bounds how long shutdown waits for in-flight
// requests.
const httpDrainTimeout = 10 * time.Second

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "barthd",
	Short: "bartholomew - personal agent kernel",
	Long: `bartholomew is a long-running personal agent runtime. It executes
internal drives on configurable cadences, emits nudges and reflections,
gates all autonomous activity behind a fail-closed parking brake, and
exposes current state over HTTP.

Run 'barthd run' to start the kernel.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel daemon and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(cfg.LogsDir()); err != nil {
			return err
		}
		defer logging.CloseAll()
		logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		if cfg.Logging.Categories != nil {
			logging.SetCategories(cfg.Logging.Categories)
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("audit log unavailable", zap.Error(err))
		}
		defer logging.CloseAudit()

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			d.Stop()
			return err
		}

		// Cadence edits in the config file take effect without a
		// restart; everything else still needs one.
		watcher, err := config.Watch(ctx, configPath, func(fresh *config.Config) {
			if err := d.ReloadDrives(fresh); err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}

		srv := httpapi.New(&httpapi.AppState{Daemon: d, Log: logger})
		go func() {
			if err := srv.Start(cfg.HTTP.Addr); err != nil {
				logger.Error("http server failed", zap.Error(err))
				stop()
			}
		}()

		logger.Info("bartholomew running",
			zap.String("db", cfg.DBPath()),
			zap.String("http", cfg.HTTP.Addr),
		)

		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return d.Stop()
	},
}

// loadConfig reads the config file and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		os.Setenv("BARTH_DB_PATH", dbPath)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/kernel.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override store path (default from config or BARTH_DB_PATH)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(brakeCmd)
	rootCmd.AddCommand(embeddingsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
}
