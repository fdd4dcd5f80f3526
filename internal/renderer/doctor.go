package renderer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 5 * time.Minute

// Doctor probes what the installed toolchain can do.
type Doctor interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// CachedDoctor keeps the last successful probe for a TTL. Concurrent probes
// share one subprocess run, and readers never wait on a probe in flight.
type CachedDoctor struct {
	doctor Doctor
	ttl    time.Duration
	logger *slog.Logger

	cached atomic.Pointer[Capabilities]
	probes singleflight.Group
}

// NewCachedDoctor wraps doctor; ttl <= 0 uses the default of five minutes.
func NewCachedDoctor(doctor Doctor, ttl time.Duration, logger *slog.Logger) *CachedDoctor {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{doctor: doctor, ttl: ttl, logger: logger}
}

// Get returns the cached capabilities while fresh and probes otherwise.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	if caps := d.cached.Load(); caps != nil && time.Since(caps.ProbedAt) < d.ttl {
		return caps, nil
	}
	return d.Refresh(ctx)
}

// Peek returns the last successful probe, or nil, without probing.
func (d *CachedDoctor) Peek() *Capabilities {
	return d.cached.Load()
}

// Refresh probes now. A failed probe falls back to the previous result when
// there is one, and otherwise returns whatever the probe found with its error.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	v, err, shared := d.probes.Do("probe", func() (any, error) {
		caps, err := d.doctor.RunDoctor(ctx)
		if err == nil {
			d.cached.Store(caps)
		}
		return caps, err
	})
	caps, _ := v.(*Capabilities)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err, "shared", shared)
		if prev := d.cached.Load(); prev != nil {
			return prev, nil
		}
		return caps, err
	}
	return caps, nil
}
