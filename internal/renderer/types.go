// Package renderer drives the external frame renderer and encoder (ffmpeg)
// and the optional frame enhancer as subprocesses.
package renderer

import (
	"context"
	"time"

	"github.com/reframe/reframe-render/internal/keyframe"
)

// Renderer is the black-box collaborator the render worker drives.
type Renderer interface {
	// Probe reads the dimensions and duration of a source.
	Probe(ctx context.Context, ref string) (*MediaInfo, error)

	// RenderFrame extracts one cropped, scaled (and optionally enhanced)
	// frame as PNG bytes.
	RenderFrame(ctx context.Context, req FrameRequest) ([]byte, error)

	// Encode turns an ordered frame sequence into the output container.
	// onProgress receives the encoder's own completion fraction in [0,1].
	Encode(ctx context.Context, req EncodeRequest, onProgress func(fraction float64)) error
}

type MediaInfo struct {
	Duration  float64 `json:"duration"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Codec     string  `json:"codec"`
}

type FrameRequest struct {
	SourceRef   string
	SourceTime  float64
	Crop        keyframe.PixelRect
	OutWidth    int
	OutHeight   int
	Enhancement string
}

type EncodeRequest struct {
	// FramePattern is a printf-style path, e.g. /work/frames/frame_%06d.png.
	FramePattern string
	FrameCount   int
	FrameRate    float64
	Format       string
	Width        int
	Height       int
	OutputPath   string
}

// Capabilities is what the installed toolchain can do.
type Capabilities struct {
	FFmpegVersion    string    `json:"ffmpeg_version,omitempty"`
	FFmpegAvailable  bool      `json:"ffmpeg_available"`
	FFprobeAvailable bool      `json:"ffprobe_available"`
	Encoders         []string  `json:"encoders,omitempty"`
	EnhancerReady    bool      `json:"enhancer_ready"`
	EnhancerError    string    `json:"enhancer_error,omitempty"`
	ProbedAt         time.Time `json:"probed_at"`
}

// RunResult is the outcome of one subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && r.Err == nil }
