// Package config provides configuration management for the render service.
// Values come from defaults, an optional YAML file and REFRAME_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".reframe"

	EnvPrefix = "REFRAME"
	// EnvConfigFile names a YAML config file when --config is not given.
	EnvConfigFile = "REFRAME_CONFIG"

	DBFilename = "reframe.db"

	DefaultEnhancerModule = "reframe_enhance"
)

// Config defines the application configuration interface
type Config interface {
	Host() string
	Port() int
	LogLevel() string
	LogFile() string
	LogMaxSizeMB() int
	LogMaxBackups() int
	DataDir() string
	DBPath() string
	WorkDir() string
	OutputDir() string

	Workers() int
	QueueSize() int
	FrameParallelism() int
	MaxFrameRetries() int
	MaxEncodeRetries() int
	RetryBackoff() time.Duration
	MinCropSize() float64
	JobTimeout() time.Duration
	CancelGrace() time.Duration
	StaleThreshold() time.Duration
	SweepInterval() time.Duration
	HeartbeatInterval() time.Duration
	PollInterval() time.Duration
	Retention() time.Duration

	FFmpegPath() string
	FFprobePath() string
	EnhancerEnabled() bool
	EnhancerPython() string
	EnhancerModule() string
	DoctorTTL() time.Duration

	ProgressRate() float64
	ProgressBuffer() int
	WebhookURL() string
	WebhookSecret() string
}

// ViperConfig is the viper-backed Config.
type ViperConfig struct {
	v *viper.Viper
}

// New loads configuration from the environment only.
func New() (*ViperConfig, error) {
	return Load("")
}

// Load reads path (or $REFRAME_CONFIG when path is empty) if set, then
// applies environment overrides and validates the result.
func Load(path string) (*ViperConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &ViperConfig{v: v}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("work_dir", "")
	v.SetDefault("output_dir", "")

	v.SetDefault("workers", 2)
	v.SetDefault("queue_size", 64)
	v.SetDefault("frame_parallelism", 4)
	v.SetDefault("max_frame_retries", 2)
	v.SetDefault("max_encode_retries", 1)
	v.SetDefault("retry_backoff", "500ms")
	v.SetDefault("min_crop_size", 50.0)
	v.SetDefault("job_timeout", "2h")
	v.SetDefault("cancel_grace", "30s")
	v.SetDefault("stale_threshold", "10m")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("retention", "0s")

	v.SetDefault("ffmpeg_path", "")
	v.SetDefault("ffprobe_path", "")
	v.SetDefault("enhancer.enabled", false)
	v.SetDefault("enhancer.python", "")
	v.SetDefault("enhancer.module", DefaultEnhancerModule)
	v.SetDefault("doctor_ttl", "5m")

	v.SetDefault("progress.rate", 4.0)
	v.SetDefault("progress.buffer", 32)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
}

func (c *ViperConfig) validate() error {
	var errs []error
	if p := c.Port(); p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d: must be between 1 and 65535", p))
	}
	for key, n := range map[string]int{
		"workers":           c.Workers(),
		"queue_size":        c.QueueSize(),
		"frame_parallelism": c.FrameParallelism(),
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("invalid %s %d: must be at least 1", key, n))
		}
	}
	for key, n := range map[string]int{
		"max_frame_retries":  c.MaxFrameRetries(),
		"max_encode_retries": c.MaxEncodeRetries(),
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d: must not be negative", key, n))
		}
	}
	for key, d := range map[string]time.Duration{
		"job_timeout":        c.JobTimeout(),
		"cancel_grace":       c.CancelGrace(),
		"stale_threshold":    c.StaleThreshold(),
		"sweep_interval":     c.SweepInterval(),
		"heartbeat_interval": c.HeartbeatInterval(),
		"poll_interval":      c.PollInterval(),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q: must be a positive duration", key, c.v.GetString(key)))
		}
	}
	if c.HeartbeatInterval() >= c.StaleThreshold() {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be shorter than stale_threshold"))
	}
	if c.Retention() < 0 {
		errs = append(errs, fmt.Errorf("invalid retention: must not be negative"))
	}
	if c.MinCropSize() <= 0 {
		errs = append(errs, fmt.Errorf("invalid min_crop_size: must be positive"))
	}
	return errors.Join(errs...)
}

func (c *ViperConfig) Host() string       { return c.v.GetString("host") }
func (c *ViperConfig) Port() int          { return c.v.GetInt("port") }
func (c *ViperConfig) LogLevel() string   { return c.v.GetString("log.level") }
func (c *ViperConfig) LogFile() string    { return c.v.GetString("log.file") }
func (c *ViperConfig) LogMaxSizeMB() int  { return c.v.GetInt("log.max_size_mb") }
func (c *ViperConfig) LogMaxBackups() int { return c.v.GetInt("log.max_backups") }
func (c *ViperConfig) DataDir() string    { return c.v.GetString("data_dir") }

// DBPath returns the full path to the SQLite database file
func (c *ViperConfig) DBPath() string {
	return filepath.Join(c.DataDir(), DBFilename)
}

// WorkDir holds per-job scratch directories; defaults below the data dir.
func (c *ViperConfig) WorkDir() string {
	if d := c.v.GetString("work_dir"); d != "" {
		return d
	}
	return filepath.Join(c.DataDir(), "work")
}

// OutputDir is where finished exports are delivered.
func (c *ViperConfig) OutputDir() string {
	if d := c.v.GetString("output_dir"); d != "" {
		return d
	}
	return filepath.Join(c.DataDir(), "exports")
}

func (c *ViperConfig) Workers() int                     { return c.v.GetInt("workers") }
func (c *ViperConfig) QueueSize() int                   { return c.v.GetInt("queue_size") }
func (c *ViperConfig) FrameParallelism() int            { return c.v.GetInt("frame_parallelism") }
func (c *ViperConfig) MaxFrameRetries() int             { return c.v.GetInt("max_frame_retries") }
func (c *ViperConfig) MaxEncodeRetries() int            { return c.v.GetInt("max_encode_retries") }
func (c *ViperConfig) RetryBackoff() time.Duration      { return c.v.GetDuration("retry_backoff") }
func (c *ViperConfig) MinCropSize() float64             { return c.v.GetFloat64("min_crop_size") }
func (c *ViperConfig) JobTimeout() time.Duration        { return c.v.GetDuration("job_timeout") }
func (c *ViperConfig) CancelGrace() time.Duration       { return c.v.GetDuration("cancel_grace") }
func (c *ViperConfig) StaleThreshold() time.Duration    { return c.v.GetDuration("stale_threshold") }
func (c *ViperConfig) SweepInterval() time.Duration     { return c.v.GetDuration("sweep_interval") }
func (c *ViperConfig) HeartbeatInterval() time.Duration { return c.v.GetDuration("heartbeat_interval") }
func (c *ViperConfig) PollInterval() time.Duration      { return c.v.GetDuration("poll_interval") }

// Retention is how long terminal jobs are kept; zero disables purging.
func (c *ViperConfig) Retention() time.Duration { return c.v.GetDuration("retention") }

func (c *ViperConfig) FFmpegPath() string       { return c.v.GetString("ffmpeg_path") }
func (c *ViperConfig) FFprobePath() string      { return c.v.GetString("ffprobe_path") }
func (c *ViperConfig) EnhancerEnabled() bool    { return c.v.GetBool("enhancer.enabled") }
func (c *ViperConfig) EnhancerPython() string   { return c.v.GetString("enhancer.python") }
func (c *ViperConfig) DoctorTTL() time.Duration { return c.v.GetDuration("doctor_ttl") }

func (c *ViperConfig) EnhancerModule() string {
	if m := c.v.GetString("enhancer.module"); m != "" {
		return m
	}
	return DefaultEnhancerModule
}

// ProgressRate caps progress events per job per second; zero is unlimited.
func (c *ViperConfig) ProgressRate() float64 { return c.v.GetFloat64("progress.rate") }
func (c *ViperConfig) ProgressBuffer() int   { return c.v.GetInt("progress.buffer") }
func (c *ViperConfig) WebhookURL() string    { return c.v.GetString("webhook.url") }
func (c *ViperConfig) WebhookSecret() string { return c.v.GetString("webhook.secret") }

// Set overrides a key, used by command-line flags.
func (c *ViperConfig) Set(key string, value any) {
	c.v.Set(key, value)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
