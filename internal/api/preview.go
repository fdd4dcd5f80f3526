package api

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/planner"
)

// previewFrameHandler plans a single output frame. The config is validated
// exactly as a submitted export would be.
func previewFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PreviewFrameRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Config == nil {
			WriteError(w, http.StatusBadRequest, "config is required", "BAD_REQUEST")
			return
		}

		snap, err := cfg.Manager.Validate(*req.Config)
		if err != nil {
			writePlanError(w, err)
			return
		}

		p, err := planner.New(snap)
		if err != nil {
			writePlanError(w, err)
			return
		}

		fps := snap.Output.FrameRate
		index := 0
		switch {
		case req.FrameIndex != nil:
			index = *req.FrameIndex
		case req.VisualTime != nil:
			t := *req.VisualTime
			if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
				WriteError(w, http.StatusBadRequest, "visual_time must be a non-negative number", "BAD_REQUEST")
				return
			}
			index = int(math.Floor(t*fps + 1e-9))
		}

		count := p.FrameCount(fps)
		if index < 0 || index >= count {
			WriteError(w, http.StatusUnprocessableEntity, "frame index out of range", "FRAME_OUT_OF_RANGE")
			return
		}

		ft, err := p.PlanFrame(index, fps)
		if err != nil {
			writePlanError(w, err)
			return
		}
		width, height, err := p.OutputSize()
		if err != nil {
			writePlanError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, PreviewFrameResponse{
			Frame:        ft,
			Pixels:       ft.Crop.Pixels(),
			FrameCount:   count,
			OutputWidth:  width,
			OutputHeight: height,
		})
	}
}

func writePlanError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusUnprocessableEntity, err.Error(), jobs.ConfigurationCode(err))
}
