package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reframe/reframe-render/internal/api"
	"github.com/reframe/reframe-render/internal/config"
	"github.com/reframe/reframe-render/internal/db"
	"github.com/reframe/reframe-render/internal/delivery"
	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/logging"
	"github.com/reframe/reframe-render/internal/notify"
	"github.com/reframe/reframe-render/internal/progress"
	"github.com/reframe/reframe-render/internal/render"
	"github.com/reframe/reframe-render/internal/renderer"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the export service",
	Long: `Run the HTTP API and the export dispatcher until interrupted.

Pending jobs from a previous run are picked up on start, and processing jobs
whose worker died are failed or recovered by the staleness sweep.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Set("port", servePort)
	}
	if serveHost != "" {
		cfg.Set("host", serveHost)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.WorkDir(), cfg.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.LogLevel(),
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.LogMaxSizeMB(),
		MaxBackups: cfg.LogMaxBackups(),
	})
	defer logCloser.Close()
	logger.Info("starting reframe render service",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"output_dir", logging.SanitizePath(cfg.OutputDir()),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	rend, err := newRenderer(cfg, logger)
	if err != nil {
		return err
	}
	doctor := renderer.NewCachedDoctor(rend, cfg.DoctorTTL(), logging.WithComponent(logger, "doctor"))
	initCtx, initCancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	if _, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	}
	initCancel()

	worker, err := render.NewWorker(rend, render.Config{
		WorkDir:          cfg.WorkDir(),
		OutputDir:        cfg.OutputDir(),
		FrameParallelism: cfg.FrameParallelism(),
		MaxFrameRetries:  cfg.MaxFrameRetries(),
		MaxEncodeRetries: cfg.MaxEncodeRetries(),
		RetryBackoff:     cfg.RetryBackoff(),
		KeepRecoverable:  2 * cfg.StaleThreshold(),
		Logger:           logging.WithComponent(logger, "render"),
	})
	if err != nil {
		return fmt.Errorf("failed to create render worker: %w", err)
	}

	webhook := notify.NewWebhook(notify.Config{
		DefaultURL: cfg.WebhookURL(),
		Secret:     cfg.WebhookSecret(),
		Logger:     logger,
	})

	hub := progress.NewHub(cfg.ProgressBuffer(), cfg.ProgressRate(), logging.WithComponent(logger, "progress"))
	repo := jobs.NewRepository(database.Conn())
	manager := jobs.NewManager(repo, worker, hub, webhook, logging.WithComponent(logger, "jobs"), jobs.Options{
		Workers:           cfg.Workers(),
		QueueSize:         cfg.QueueSize(),
		JobTimeout:        cfg.JobTimeout(),
		CancelGrace:       cfg.CancelGrace(),
		StaleThreshold:    cfg.StaleThreshold(),
		SweepInterval:     cfg.SweepInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PollInterval:      cfg.PollInterval(),
		Retention:         cfg.Retention(),
		MinCropSize:       cfg.MinCropSize(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		manager.Start(ctx)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Host:      cfg.Host(),
		Port:      cfg.Port(),
		Version:   config.Version,
		Manager:   manager,
		Hub:       hub,
		Doctor:    doctor,
		Delivery:  delivery.NewServer(cfg.OutputDir(), logging.WithComponent(logger, "delivery")),
		Store:     database,
		Logger:    logging.WithComponent(logger, "api"),
		StartTime: startTime,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
		stop()
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not stop before the shutdown deadline")
	}

	logger.Info("shutdown complete")
	return nil
}

// newRenderer builds the ffmpeg renderer, with the enhancer when enabled.
func newRenderer(cfg config.Config, logger *slog.Logger) (*renderer.FFmpegRenderer, error) {
	rcfg := renderer.DefaultFFmpegConfig(logging.WithComponent(logger, "renderer"))
	rcfg.FFmpegPath = cfg.FFmpegPath()
	rcfg.FFprobePath = cfg.FFprobePath()

	if cfg.EnhancerEnabled() {
		ecfg := renderer.DefaultEnhancerConfig(logging.WithComponent(logger, "enhancer"))
		ecfg.PythonPath = cfg.EnhancerPython()
		ecfg.ModuleName = cfg.EnhancerModule()
		enhancer, err := renderer.NewSubprocessEnhancer(ecfg)
		if err != nil {
			logger.Warn("enhancer unavailable, enhanced exports will fail", "error", err)
		} else {
			rcfg.Enhancer = enhancer
		}
	}

	rend, err := renderer.NewFFmpegRenderer(rcfg)
	if err != nil {
		return nil, fmt.Errorf("renderer unavailable: %w", err)
	}
	return rend, nil
}
