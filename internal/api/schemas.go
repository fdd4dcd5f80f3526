package api

import (
	"time"

	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/renderer"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	Store    string `json:"store,omitempty"`
	Renderer string `json:"renderer"`
}

type StatusResponse struct {
	State           string                `json:"state"`
	Dispatching     bool                  `json:"dispatching"`
	Paused          bool                  `json:"paused"`
	Workers         int                   `json:"workers"`
	Running         int                   `json:"running"`
	Queued          int                   `json:"queued"`
	Counts          jobs.StatusCounts     `json:"counts"`
	ProgressDropped int64                 `json:"progress_dropped"`
	Capabilities    *CapabilitiesResponse `json:"capabilities,omitempty"`
}

type CapabilitiesResponse struct {
	FFmpegVersion    string   `json:"ffmpeg_version,omitempty"`
	FFmpegAvailable  bool     `json:"ffmpeg_available"`
	FFprobeAvailable bool     `json:"ffprobe_available"`
	Encoders         []string `json:"encoders,omitempty"`
	EnhancerReady    bool     `json:"enhancer_ready"`
	EnhancerError    string   `json:"enhancer_error,omitempty"`
	LastProbeAt      string   `json:"last_probe_at,omitempty"`
}

type SubmitExportRequest struct {
	ResourceKey string            `json:"resource_key"`
	Config      *planner.Snapshot `json:"config"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

type SubmitExportResponse struct {
	JobID string `json:"job_id"`
}

type ConflictResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID           string           `json:"id"`
	ResourceKey  string           `json:"resource_key"`
	Status       string           `json:"status"`
	Config       planner.Snapshot `json:"config"`
	CallbackURL  string           `json:"callback_url,omitempty"`
	SubmittedAt  string           `json:"submitted_at"`
	StartedAt    string           `json:"started_at,omitempty"`
	CompletedAt  string           `json:"completed_at,omitempty"`
	HeartbeatAt  string           `json:"heartbeat_at,omitempty"`
	ResultRef    string           `json:"result_ref,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type PreviewFrameRequest struct {
	Config     *planner.Snapshot `json:"config"`
	FrameIndex *int              `json:"frame_index,omitempty"`
	VisualTime *float64          `json:"visual_time,omitempty"`
}

type PreviewFrameResponse struct {
	Frame        planner.FrameTransform `json:"frame"`
	Pixels       keyframe.PixelRect     `json:"pixels"`
	FrameCount   int                    `json:"frame_count"`
	OutputWidth  int                    `json:"output_width"`
	OutputHeight int                    `json:"output_height"`
}

type DispatcherResponse struct {
	Paused      bool `json:"paused"`
	Dispatching bool `json:"dispatching"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func JobToResponse(j *jobs.ExportJob) JobResponse {
	return JobResponse{
		ID:           j.ID,
		ResourceKey:  j.ResourceKey,
		Status:       string(j.Status),
		Config:       j.Config,
		CallbackURL:  j.CallbackURL,
		SubmittedAt:  j.SubmittedAt.Format(time.RFC3339),
		StartedAt:    formatOptional(j.StartedAt),
		CompletedAt:  formatOptional(j.CompletedAt),
		HeartbeatAt:  formatOptional(j.HeartbeatAt),
		ResultRef:    j.ResultRef,
		ErrorKind:    string(j.ErrorKind),
		ErrorMessage: j.ErrorMessage,
	}
}

func CapabilitiesToResponse(c *renderer.Capabilities) *CapabilitiesResponse {
	resp := &CapabilitiesResponse{
		FFmpegVersion:    c.FFmpegVersion,
		FFmpegAvailable:  c.FFmpegAvailable,
		FFprobeAvailable: c.FFprobeAvailable,
		Encoders:         c.Encoders,
		EnhancerReady:    c.EnhancerReady,
		EnhancerError:    c.EnhancerError,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
