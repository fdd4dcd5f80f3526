// Package cli implements the reframed command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/reframe/reframe-render/internal/config"
	"github.com/reframe/reframe-render/internal/db"
	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/logging"
)

var (
	configPath string
	logLevel   string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "reframed",
	Short: "Keyframed reframe and speed-ramp export service",
	Long: `reframed renders exports of a source video with an animated crop
window and variable-speed regions applied.

Run 'reframed serve' for the HTTP service, or 'reframed plan' to inspect the
per-frame plan of an export request offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $"+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for the job database and exports")
	rootCmd.Version = config.Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("reframed %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime))
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads configuration and applies the persistent flag overrides.
func loadConfig() (*config.ViperConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Set("log.level", logLevel)
	}
	if dataDir != "" {
		cfg.Set("data_dir", dataDir)
	}
	return cfg, nil
}

// cliLogger logs to stderr so command output on stdout stays parseable.
func cliLogger(cfg config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if logLevel == "" {
		level = "warn"
	}
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(level))
}

// openStore opens the job database for the offline commands.
func openStore(cfg config.Config, logger *slog.Logger) (*jobs.Manager, io.Closer, error) {
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo := jobs.NewRepository(database.Conn())
	manager := jobs.NewManager(repo, nil, nil, nil, logger, jobs.Options{})
	return manager, database, nil
}
