package planner

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/timeline"
)

// DefaultMinCropSize is used when a snapshot does not set its own minimum.
const DefaultMinCropSize = 50

var (
	ErrInvalidSource = errors.New("invalid source")
	ErrInvalidOutput = errors.New("invalid output config")
)

// Formats accepted for Output.Format.
var Formats = []string{"mp4", "mov", "webm", "mkv"}

type Source struct {
	Ref      string  `json:"ref"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
}

type Output struct {
	FrameRate   float64 `json:"frame_rate"`
	Format      string  `json:"format"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Enhancement string  `json:"enhancement,omitempty"`
}

// Snapshot is the complete, value-captured input of one export. It is
// persisted as the job's config and shared read-only by every stage.
type Snapshot struct {
	Source       Source                 `json:"source"`
	Keyframes    []keyframe.Keyframe    `json:"keyframes"`
	SpeedRegions []timeline.SpeedRegion `json:"speed_regions"`
	Output       Output                 `json:"output"`
	MinCropSize  float64                `json:"min_crop_size"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Keyframes != nil {
		out.Keyframes = append([]keyframe.Keyframe(nil), s.Keyframes...)
	}
	if s.SpeedRegions != nil {
		out.SpeedRegions = append([]timeline.SpeedRegion(nil), s.SpeedRegions...)
	}
	return out
}

// Builder assembles a Snapshot. Every setter copies its input, so the
// caller may keep editing its own slices after Build.
type Builder struct {
	snap Snapshot
}

func NewBuilder() *Builder {
	return &Builder{snap: Snapshot{MinCropSize: DefaultMinCropSize}}
}

func (b *Builder) Source(src Source) *Builder {
	b.snap.Source = src
	return b
}

func (b *Builder) Keyframes(kfs []keyframe.Keyframe) *Builder {
	b.snap.Keyframes = append([]keyframe.Keyframe(nil), kfs...)
	return b
}

func (b *Builder) SpeedRegions(regions []timeline.SpeedRegion) *Builder {
	b.snap.SpeedRegions = append([]timeline.SpeedRegion(nil), regions...)
	return b
}

func (b *Builder) Output(out Output) *Builder {
	b.snap.Output = out
	return b
}

func (b *Builder) MinCropSize(size float64) *Builder {
	if size > 0 {
		b.snap.MinCropSize = size
	}
	return b
}

// Build validates the snapshot and normalizes the keyframe order.
func (b *Builder) Build() (Snapshot, error) {
	snap := b.snap.Clone()
	snap.Output.Format = strings.ToLower(strings.TrimSpace(snap.Output.Format))

	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	snap.Keyframes = keyframe.Normalize(snap.Keyframes)
	return snap, nil
}

// Validate checks keyframes, source and output settings. It does not plan
// frames; see Planner.Validate.
func (s Snapshot) Validate() error {
	if err := keyframe.Validate(s.Keyframes); err != nil {
		return err
	}
	if err := validateSource(s.Source); err != nil {
		return err
	}
	if math.IsNaN(s.MinCropSize) || s.MinCropSize < 0 {
		return fmt.Errorf("%w: min crop size %v", ErrInvalidOutput, s.MinCropSize)
	}
	return validateOutput(s.Output)
}

func validateSource(src Source) error {
	if strings.TrimSpace(src.Ref) == "" {
		return fmt.Errorf("%w: ref is required", ErrInvalidSource)
	}
	if src.Width <= 0 || src.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidSource, src.Width, src.Height)
	}
	if math.IsNaN(src.Duration) || math.IsInf(src.Duration, 0) || src.Duration <= 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidSource, src.Duration)
	}
	return nil
}

func validateOutput(out Output) error {
	if math.IsNaN(out.FrameRate) || math.IsInf(out.FrameRate, 0) || out.FrameRate <= 0 || out.FrameRate > 240 {
		return fmt.Errorf("%w: frame rate %v", ErrInvalidOutput, out.FrameRate)
	}
	known := false
	for _, f := range Formats {
		if out.Format == f {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidOutput, out.Format)
	}
	if out.Width < 0 || out.Height < 0 || (out.Width == 0) != (out.Height == 0) {
		return fmt.Errorf("%w: output size %dx%d", ErrInvalidOutput, out.Width, out.Height)
	}
	if out.Width%2 != 0 || out.Height%2 != 0 {
		return fmt.Errorf("%w: output size %dx%d must be even", ErrInvalidOutput, out.Width, out.Height)
	}
	return nil
}
