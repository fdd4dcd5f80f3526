package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reframe/reframe-render/internal/renderer"
)

const (
	doctorTimeout = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))

	r.Route("/exports", func(r chi.Router) {
		r.Post("/", submitExportHandler(cfg))
		r.Get("/", listExportsHandler(cfg))
		r.Get("/active", listActiveExportsHandler(cfg))
		r.Get("/{id}", getExportHandler(cfg))
		r.Post("/{id}/cancel", cancelExportHandler(cfg))
		r.Get("/{id}/progress", progressHandler(cfg))
		r.Get("/{id}/result", resultHandler(cfg))
		r.Head("/{id}/result", resultHandler(cfg))
	})

	r.Post("/preview/frame", previewFrameHandler(cfg))

	r.Route("/admin", func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Post("/pause", pauseHandler(cfg))
		r.Post("/resume", resumeHandler(cfg))
		r.Post("/sweep", sweepHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		resp := HealthResponse{
			Status:   "ok",
			Version:  version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			Renderer: rendererState(cfg.Doctor),
		}
		code := http.StatusOK
		if cfg.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			err := cfg.Store.Ping(ctx)
			cancel()
			resp.Store = "ok"
			if err != nil {
				cfg.Logger.Error("store ping failed", "error", err)
				resp.Status, resp.Store = "degraded", "unavailable"
				code = http.StatusServiceUnavailable
			}
		}
		WriteJSON(w, code, resp)
	}
}

// rendererState reports the last probe without running a new one.
func rendererState(d *renderer.CachedDoctor) string {
	if d == nil {
		return "unknown"
	}
	caps := d.Peek()
	switch {
	case caps == nil:
		return "unknown"
	case caps.FFmpegAvailable && caps.FFprobeAvailable:
		return "ok"
	default:
		return "unavailable"
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		stats, err := cfg.Manager.Stats(ctx)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read job stats", "INTERNAL_ERROR")
			return
		}

		state := "idle"
		switch {
		case stats.Paused:
			state = "paused"
		case !stats.Dispatching:
			state = "stopped"
		case stats.Running > 0:
			state = "rendering"
		}

		resp := StatusResponse{
			State:       state,
			Dispatching: stats.Dispatching,
			Paused:      stats.Paused,
			Workers:     stats.Workers,
			Running:     stats.Running,
			Queued:      stats.Queued,
			Counts:      stats.Counts,
		}
		if cfg.Hub != nil {
			resp.ProgressDropped = cfg.Hub.Dropped()
		}

		if cfg.Doctor != nil {
			dctx, cancel := context.WithTimeout(ctx, doctorTimeout)
			probe := cfg.Doctor.Get
			if r.URL.Query().Get("refresh") == "true" {
				probe = cfg.Doctor.Refresh
			}
			caps, err := probe(dctx)
			cancel()
			if err == nil && caps != nil {
				resp.Capabilities = CapabilitiesToResponse(caps)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Manager.Pause(r.Context()); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, dispatcherState(cfg))
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Manager.Resume(r.Context()); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, dispatcherState(cfg))
	}
}

func sweepHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cfg.Manager.Sweep(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func dispatcherState(cfg ServerConfig) DispatcherResponse {
	return DispatcherResponse{
		Paused:      cfg.Manager.IsPaused(),
		Dispatching: cfg.Manager.IsDispatching(),
	}
}
