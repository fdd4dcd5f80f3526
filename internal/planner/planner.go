// Package planner composes keyframe interpolation and time remapping into a
// per-output-frame transform. Preview and export both plan through here so
// an exported frame is exactly the frame that was previewed.
package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/timeline"
)

var ErrDegenerateCrop = errors.New("degenerate crop")

// FrameTransform describes how to produce one output frame.
type FrameTransform struct {
	Index       int               `json:"index"`
	VisualTime  float64           `json:"visual_time"`
	SourceTime  float64           `json:"source_time"`
	Crop        keyframe.CropRect `json:"crop"`
	Enhance     bool              `json:"enhance"`
	Enhancement string            `json:"enhancement,omitempty"`
}

// Planner is safe for concurrent use; PlanFrame has no side effects.
type Planner struct {
	snap     Snapshot
	remapper *timeline.Remapper
}

func New(snap Snapshot) (*Planner, error) {
	snap = snap.Clone()
	if snap.MinCropSize <= 0 {
		snap.MinCropSize = DefaultMinCropSize
	}
	if err := validateSource(snap.Source); err != nil {
		return nil, err
	}
	remapper, err := timeline.NewRemapper(snap.SpeedRegions, snap.Source.Duration)
	if err != nil {
		return nil, err
	}
	return &Planner{snap: snap, remapper: remapper}, nil
}

func (p *Planner) Snapshot() Snapshot { return p.snap.Clone() }

func (p *Planner) Remapper() *timeline.Remapper { return p.remapper }

// FrameCount is the number of output frames at the given rate.
func (p *Planner) FrameCount(frameRate float64) int {
	if frameRate <= 0 {
		return 0
	}
	return int(math.Ceil(p.remapper.TotalVisualDuration()*frameRate - 1e-9))
}

// PlanFrame computes the transform for output frame index at frameRate.
func (p *Planner) PlanFrame(index int, frameRate float64) (FrameTransform, error) {
	if frameRate <= 0 || math.IsNaN(frameRate) || math.IsInf(frameRate, 0) {
		return FrameTransform{}, fmt.Errorf("%w: frame rate %v", ErrInvalidOutput, frameRate)
	}
	if index < 0 {
		return FrameTransform{}, fmt.Errorf("%w: frame index %d", timeline.ErrOutOfRange, index)
	}

	visual := float64(index) / frameRate
	source, err := p.remapper.SourceTimeOf(visual)
	if err != nil {
		return FrameTransform{}, fmt.Errorf("frame %d: %w", index, err)
	}

	crop, err := keyframe.Evaluate(p.snap.Keyframes, source)
	if errors.Is(err, keyframe.ErrNoKeyframes) {
		crop = p.fullFrame()
	} else if err != nil {
		return FrameTransform{}, fmt.Errorf("frame %d: %w", index, err)
	}

	clamped := p.clamp(crop)
	if clamped.Width < p.snap.MinCropSize || clamped.Height < p.snap.MinCropSize {
		return FrameTransform{}, fmt.Errorf("%w: frame %d (visual %.3fs, source %.3fs) crop %.1fx%.1f below minimum %.0f",
			ErrDegenerateCrop, index, visual, source, clamped.Width, clamped.Height, p.snap.MinCropSize)
	}

	return FrameTransform{
		Index:       index,
		VisualTime:  visual,
		SourceTime:  source,
		Crop:        clamped,
		Enhance:     p.snap.Output.Enhancement != "",
		Enhancement: p.snap.Output.Enhancement,
	}, nil
}

// Validate plans every output frame and returns the first failure.
func (p *Planner) Validate(frameRate float64) error {
	n := p.FrameCount(frameRate)
	if n == 0 {
		return fmt.Errorf("%w: export has no frames", ErrInvalidOutput)
	}
	for i := 0; i < n; i++ {
		if _, err := p.PlanFrame(i, frameRate); err != nil {
			return err
		}
	}
	return nil
}

// OutputSize returns the raster every frame is scaled to.
func (p *Planner) OutputSize() (int, int, error) {
	out := p.snap.Output
	if out.Width > 0 && out.Height > 0 {
		return out.Width, out.Height, nil
	}
	ft, err := p.PlanFrame(0, out.FrameRate)
	if err != nil {
		return 0, 0, err
	}
	px := ft.Crop.Pixels()
	return evenFloor(px.Width), evenFloor(px.Height), nil
}

func (p *Planner) fullFrame() keyframe.CropRect {
	return keyframe.CropRect{
		Width:  float64(p.snap.Source.Width),
		Height: float64(p.snap.Source.Height),
	}
}

func (p *Planner) clamp(r keyframe.CropRect) keyframe.CropRect {
	w := float64(p.snap.Source.Width)
	h := float64(p.snap.Source.Height)

	x0 := math.Max(0, r.X)
	y0 := math.Max(0, r.Y)
	x1 := math.Min(w, r.X+r.Width)
	y1 := math.Min(h, r.Y+r.Height)

	return keyframe.CropRect{
		X:      math.Min(x0, w),
		Y:      math.Min(y0, h),
		Width:  math.Max(0, x1-x0),
		Height: math.Max(0, y1-y0),
	}
}

func evenFloor(v int) int {
	v -= v % 2
	if v < 2 {
		return 2
	}
	return v
}
