package keyframe

import (
	"encoding/json"
	"fmt"
	"math"
)

// bezierEpsilon bounds the error in x when solving a cubic bezier for its
// parametric value. Sub-pixel crops stay stable well below 1e-4.
const bezierEpsilon = 1e-6

const maxBezierIterations = 64

type EasingKind string

const (
	EasingLinear      EasingKind = "linear"
	EasingEase        EasingKind = "ease"
	EasingCubicBezier EasingKind = "cubic_bezier"
)

// Easing shapes the transition from a keyframe into the next one.
// P1 and P2 are the (x, y) control points and are only used by cubic_bezier.
type Easing struct {
	Kind EasingKind
	P1   [2]float64
	P2   [2]float64
}

func Linear() Easing { return Easing{Kind: EasingLinear} }

func Ease() Easing { return Easing{Kind: EasingEase} }

func CubicBezier(x1, y1, x2, y2 float64) Easing {
	return Easing{Kind: EasingCubicBezier, P1: [2]float64{x1, y1}, P2: [2]float64{x2, y2}}
}

// Apply maps linear progress p in [0,1] to eased progress.
func (e Easing) Apply(p float64) float64 {
	switch e.Kind {
	case EasingEase:
		return easeInOut(p)
	case EasingCubicBezier:
		return solveCubicBezier(p, e.P1[0], e.P1[1], e.P2[0], e.P2[1])
	default:
		return p
	}
}

// Validate rejects unknown kinds and bezier curves that are not functions of x.
func (e Easing) Validate() error {
	switch e.Kind {
	case "", EasingLinear, EasingEase:
		return nil
	case EasingCubicBezier:
		for _, v := range []float64{e.P1[0], e.P1[1], e.P2[0], e.P2[1]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite control point", ErrInvalidEasing)
			}
		}
		if e.P1[0] < 0 || e.P1[0] > 1 || e.P2[0] < 0 || e.P2[0] > 1 {
			return fmt.Errorf("%w: control point x must be within [0,1]", ErrInvalidEasing)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEasing, e.Kind)
	}
}

func easeInOut(p float64) float64 {
	if p < 0.5 {
		return 2 * p * p
	}
	q := -2*p + 2
	return 1 - q*q/2
}

func bezierCoord(s, c1, c2 float64) float64 {
	inv := 1 - s
	return 3*inv*inv*s*c1 + 3*inv*s*s*c2 + s*s*s
}

func bezierSlope(s, c1, c2 float64) float64 {
	inv := 1 - s
	return 3*inv*inv*c1 + 6*inv*s*(c2-c1) + 3*s*s*(1-c2)
}

func solveCubicBezier(x, x1, y1, x2, y2 float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	// Newton first; it converges in a handful of steps for well-behaved curves.
	s := x
	for i := 0; i < 8; i++ {
		dx := bezierCoord(s, x1, x2) - x
		if math.Abs(dx) < bezierEpsilon {
			return bezierCoord(s, y1, y2)
		}
		d := bezierSlope(s, x1, x2)
		if math.Abs(d) < 1e-9 {
			break
		}
		s -= dx / d
		if s < 0 || s > 1 {
			break
		}
	}

	lo, hi := 0.0, 1.0
	s = x
	for i := 0; i < maxBezierIterations; i++ {
		cx := bezierCoord(s, x1, x2)
		if math.Abs(cx-x) < bezierEpsilon {
			break
		}
		if cx < x {
			lo = s
		} else {
			hi = s
		}
		s = (lo + hi) / 2
	}
	return bezierCoord(s, y1, y2)
}

type easingJSON struct {
	Type EasingKind  `json:"type"`
	P1   *[2]float64 `json:"p1,omitempty"`
	P2   *[2]float64 `json:"p2,omitempty"`
}

func (e Easing) MarshalJSON() ([]byte, error) {
	out := easingJSON{Type: e.Kind}
	if out.Type == "" {
		out.Type = EasingLinear
	}
	if e.Kind == EasingCubicBezier {
		p1, p2 := e.P1, e.P2
		out.P1, out.P2 = &p1, &p2
	}
	return json.Marshal(out)
}

func (e *Easing) UnmarshalJSON(data []byte) error {
	// Accept a bare string for the parameterless kinds: "ease".
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		e.Kind = EasingKind(name)
		if e.Kind == "" {
			e.Kind = EasingLinear
		}
		return nil
	}

	var in easingJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Kind = in.Type
	if e.Kind == "" {
		e.Kind = EasingLinear
	}
	if e.Kind == EasingCubicBezier {
		if in.P1 == nil || in.P2 == nil {
			return fmt.Errorf("%w: cubic_bezier requires p1 and p2", ErrInvalidEasing)
		}
		e.P1, e.P2 = *in.P1, *in.P2
	}
	return nil
}
