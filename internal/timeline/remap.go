// Package timeline converts between visual (post speed-effect) time and
// source media time.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrInvalidRegions = errors.New("invalid speed regions")
	ErrOutOfRange     = errors.New("time out of range")
)

// SpeedRegion plays [SourceStart, SourceEnd) of the source at Multiplier
// times normal speed.
type SpeedRegion struct {
	SourceStart float64 `json:"source_start"`
	SourceEnd   float64 `json:"source_end"`
	Multiplier  float64 `json:"multiplier"`
}

// Segment is one piece of the filled partition of the source timeline,
// with the visual interval it maps onto.
type Segment struct {
	SourceStart float64
	SourceEnd   float64
	Multiplier  float64
	VisualStart float64
	VisualEnd   float64
}

// Remapper is immutable after construction and safe for concurrent use.
type Remapper struct {
	segments       []Segment
	sourceDuration float64
	totalVisual    float64
}

// NewRemapper validates regions against the source duration and fills the
// gaps between them with 1.0x segments.
func NewRemapper(regions []SpeedRegion, sourceDuration float64) (*Remapper, error) {
	if !finite(sourceDuration) || sourceDuration <= 0 {
		return nil, fmt.Errorf("%w: source duration %v", ErrInvalidRegions, sourceDuration)
	}
	if err := validateRegions(regions, sourceDuration); err != nil {
		return nil, err
	}

	var segs []Segment
	cursor := 0.0
	for _, r := range regions {
		if r.SourceStart > cursor {
			segs = append(segs, Segment{SourceStart: cursor, SourceEnd: r.SourceStart, Multiplier: 1})
		}
		segs = append(segs, Segment{SourceStart: r.SourceStart, SourceEnd: r.SourceEnd, Multiplier: r.Multiplier})
		cursor = r.SourceEnd
	}
	if cursor < sourceDuration {
		segs = append(segs, Segment{SourceStart: cursor, SourceEnd: sourceDuration, Multiplier: 1})
	}

	visual := 0.0
	for i := range segs {
		segs[i].VisualStart = visual
		visual += (segs[i].SourceEnd - segs[i].SourceStart) / segs[i].Multiplier
		segs[i].VisualEnd = visual
	}

	return &Remapper{segments: segs, sourceDuration: sourceDuration, totalVisual: visual}, nil
}

func validateRegions(regions []SpeedRegion, sourceDuration float64) error {
	prevEnd := 0.0
	for i, r := range regions {
		switch {
		case !finite(r.SourceStart) || !finite(r.SourceEnd) || !finite(r.Multiplier):
			return fmt.Errorf("%w: region %d has non-finite values", ErrInvalidRegions, i)
		case r.Multiplier <= 0:
			return fmt.Errorf("%w: region %d multiplier %v must be > 0", ErrInvalidRegions, i, r.Multiplier)
		case r.SourceStart >= r.SourceEnd:
			return fmt.Errorf("%w: region %d is empty or reversed [%v, %v)", ErrInvalidRegions, i, r.SourceStart, r.SourceEnd)
		case r.SourceStart < 0 || r.SourceEnd > sourceDuration:
			return fmt.Errorf("%w: region %d [%v, %v) exceeds source [0, %v]", ErrInvalidRegions, i, r.SourceStart, r.SourceEnd, sourceDuration)
		case r.SourceStart < prevEnd:
			return fmt.Errorf("%w: region %d overlaps or is out of order", ErrInvalidRegions, i)
		}
		prevEnd = r.SourceEnd
	}
	return nil
}

func (m *Remapper) TotalVisualDuration() float64 { return m.totalVisual }

func (m *Remapper) SourceDuration() float64 { return m.sourceDuration }

// Segments returns a copy of the filled partition.
func (m *Remapper) Segments() []Segment {
	out := make([]Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// SourceTimeOf maps visual time v in [0, TotalVisualDuration()) to source time.
func (m *Remapper) SourceTimeOf(v float64) (float64, error) {
	if math.IsNaN(v) || v < 0 || v >= m.totalVisual {
		return 0, fmt.Errorf("%w: visual time %v not in [0, %v)", ErrOutOfRange, v, m.totalVisual)
	}
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].VisualEnd > v })
	seg := m.segments[i]
	return seg.SourceStart + (v-seg.VisualStart)*seg.Multiplier, nil
}

// VisualTimeOf maps source time s in [0, SourceDuration()] to visual time.
func (m *Remapper) VisualTimeOf(s float64) (float64, error) {
	if math.IsNaN(s) || s < 0 || s > m.sourceDuration {
		return 0, fmt.Errorf("%w: source time %v not in [0, %v]", ErrOutOfRange, s, m.sourceDuration)
	}
	if s == m.sourceDuration {
		return m.totalVisual, nil
	}
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].SourceEnd > s })
	seg := m.segments[i]
	return seg.VisualStart + (s-seg.SourceStart)/seg.Multiplier, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
