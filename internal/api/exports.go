package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/reframe/reframe-render/internal/jobs"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBytes  = 8 << 20
)

func submitExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitExportRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Config == nil {
			WriteError(w, http.StatusBadRequest, "config is required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Manager.Submit(r.Context(), jobs.SubmitRequest{
			ResourceKey: req.ResourceKey,
			Snapshot:    *req.Config,
			CallbackURL: req.CallbackURL,
		})
		if err != nil {
			writeSubmitError(cfg, w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitExportResponse{JobID: job.ID})
	}
}

func writeSubmitError(cfg ServerConfig, w http.ResponseWriter, err error) {
	var conflict *jobs.ConflictError
	var cfgErr *jobs.ConfigurationError
	switch {
	case errors.As(err, &conflict):
		WriteJSON(w, http.StatusConflict, ConflictResponse{
			Error: err.Error(),
			Code:  "CONFLICTING_JOB_IN_FLIGHT",
			JobID: conflict.JobID,
		})
	case errors.As(err, &cfgErr):
		WriteError(w, http.StatusUnprocessableEntity, cfgErr.Error(), cfgErr.Code)
	default:
		cfg.Logger.Error("submit failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to submit export", "INTERNAL_ERROR")
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		list, err := cfg.Manager.List(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, jobsResponse(list))
	}
}

func listActiveExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := cfg.Manager.ListActive(r.Context(), r.URL.Query().Get("resource_key"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, jobsResponse(list))
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := cfg.Manager.Cancel(r.Context(), id)
		if errors.Is(err, jobs.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func resultHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(cfg, w, r)
		if !ok {
			return
		}
		if job.Status != jobs.StatusComplete || job.ResultRef == "" {
			WriteError(w, http.StatusConflict, "export is "+string(job.Status), "JOB_NOT_COMPLETE")
			return
		}
		if cfg.Delivery == nil {
			WriteError(w, http.StatusServiceUnavailable, "result delivery is disabled", "UNAVAILABLE")
			return
		}

		if err := cfg.Delivery.ServeFile(w, r, job.ResultRef, filepath.Base(job.ResultRef)); err != nil {
			cfg.Logger.Error("result delivery error", "error", err, "job_id", job.ID)
		}
	}
}

func loadJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*jobs.ExportJob, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
		return nil, false
	}

	job, err := cfg.Manager.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return nil, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	return job, true
}

func jobsResponse(list []*jobs.ExportJob) JobsResponse {
	resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
	for i, j := range list {
		resp.Jobs[i] = JobToResponse(j)
	}
	return resp
}
