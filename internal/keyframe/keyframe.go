// Package keyframe interpolates crop rectangles between sparse, user-authored
// keyframes. Everything here is pure: no I/O and no shared state.
package keyframe

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrNoKeyframes     = errors.New("no keyframes")
	ErrInvalidKeyframe = errors.New("invalid keyframe")
	ErrInvalidEasing   = errors.New("invalid easing")
)

// CropRect is a crop window in source-pixel units.
type CropRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PixelRect is a CropRect rounded to whole pixels.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pixels rounds the rect to integer coordinates, keeping the far edges
// stable so adjacent frames don't jitter by a pixel.
func (r CropRect) Pixels() PixelRect {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.Width))
	y1 := int(math.Round(r.Y + r.Height))
	return PixelRect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func (r CropRect) finite() bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type Keyframe struct {
	Time   float64  `json:"time"`
	Crop   CropRect `json:"crop"`
	Easing Easing   `json:"easing"`
}

// Normalize returns a new slice ordered by time. Keyframes sharing a time
// collapse to the one written last in the input.
func Normalize(kfs []Keyframe) []Keyframe {
	if len(kfs) == 0 {
		return nil
	}

	latest := make(map[float64]int, len(kfs))
	for i, kf := range kfs {
		latest[kf.Time] = i
	}

	out := make([]Keyframe, 0, len(latest))
	for i, kf := range kfs {
		if latest[kf.Time] == i {
			out = append(out, kf)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// Validate checks every keyframe independently of ordering.
func Validate(kfs []Keyframe) error {
	for i, kf := range kfs {
		if math.IsNaN(kf.Time) || math.IsInf(kf.Time, 0) || kf.Time < 0 {
			return fmt.Errorf("%w: keyframe %d has time %v", ErrInvalidKeyframe, i, kf.Time)
		}
		if !kf.Crop.finite() {
			return fmt.Errorf("%w: keyframe %d has a non-finite crop", ErrInvalidKeyframe, i)
		}
		if err := kf.Easing.Validate(); err != nil {
			return fmt.Errorf("keyframe %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate returns the crop in effect at time t. kfs must be ordered by time
// (see Normalize). Times before the first or after the last keyframe hold
// that keyframe's rect; there is no extrapolation.
func Evaluate(kfs []Keyframe, t float64) (CropRect, error) {
	switch len(kfs) {
	case 0:
		return CropRect{}, ErrNoKeyframes
	case 1:
		return kfs[0].Crop, nil
	}

	first, last := kfs[0], kfs[len(kfs)-1]
	if t <= first.Time {
		return first.Crop, nil
	}
	if t >= last.Time {
		return last.Crop, nil
	}

	// First keyframe strictly after t; its predecessor satisfies a.Time <= t.
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].Time > t })
	a, b := kfs[idx-1], kfs[idx]

	progress := (t - a.Time) / (b.Time - a.Time)
	eased := a.Easing.Apply(progress)

	return CropRect{
		X:      lerp(a.Crop.X, b.Crop.X, eased),
		Y:      lerp(a.Crop.Y, b.Crop.Y, eased),
		Width:  lerp(a.Crop.Width, b.Crop.Width, eased),
		Height: lerp(a.Crop.Height, b.Crop.Height, eased),
	}, nil
}

func lerp(a, b, p float64) float64 {
	return a + (b-a)*p
}
