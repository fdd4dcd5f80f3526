package renderer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Enhancer upscales or denoises a single PNG frame with a named model.
type Enhancer interface {
	Enhance(ctx context.Context, model string, frame []byte) ([]byte, error)
	Check(ctx context.Context) error
}

type EnhancerConfig struct {
	PythonPath string // empty = auto-detect
	ModuleName string
	Timeout    time.Duration // per frame
	Logger     *slog.Logger
}

func DefaultEnhancerConfig(logger *slog.Logger) EnhancerConfig {
	return EnhancerConfig{
		ModuleName: "reframe_enhance",
		Timeout:    2 * time.Minute,
		Logger:     logger,
	}
}

// SubprocessEnhancer runs `python -m <module> enhance --model <ref>` with the
// frame on stdin and reads the enhanced frame from stdout.
type SubprocessEnhancer struct {
	cfg    EnhancerConfig
	python string
}

func NewSubprocessEnhancer(cfg EnhancerConfig) (*SubprocessEnhancer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	python, err := resolveBinary(cfg.PythonPath, "python3", "python")
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	cfg.Logger.Info("enhancer initialised", "python", python, "module", cfg.ModuleName)
	return &SubprocessEnhancer{cfg: cfg, python: python}, nil
}

func (e *SubprocessEnhancer) Enhance(ctx context.Context, model string, frame []byte) ([]byte, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	res := runCommand(ctx, e.cfg.Logger, bytes.NewReader(frame), &out,
		e.python, "-m", e.cfg.ModuleName, "enhance", "--model", model)
	if err := classify("enhance", res); err != nil {
		return nil, err
	}
	if out.Len() == 0 {
		return nil, &Error{Class: Transient, Op: "enhance", Err: fmt.Errorf("model %q returned an empty frame", model), StderrTail: res.StderrTail}
	}
	return out.Bytes(), nil
}

// Check verifies the enhancer module imports and reports ready.
func (e *SubprocessEnhancer) Check(ctx context.Context) error {
	res := runCommand(ctx, e.cfg.Logger, nil, nil, e.python, "-m", e.cfg.ModuleName, "check")
	if !res.IsSuccess() {
		return fmt.Errorf("%s check exited %d: %s", e.cfg.ModuleName, res.ExitCode, truncate(res.StderrTail, 256))
	}
	return nil
}
