// Package delivery serves finished exports over HTTP with byte-range support.
package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

func (r Range) ContentLength() int64 { return r.End - r.Start + 1 }

func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// rangeSpec is one byte-range-spec before it is applied to a file size.
// first < 0 marks a suffix range of last bytes; last < 0 is open-ended.
type rangeSpec struct {
	first, last int64
}

// ParseRange parses a Range header against a resource of size bytes. Only
// the first range of a multi-range request is honored. An empty header
// returns nil, nil.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, err := parseRangeSpec(header)
	if err != nil {
		return nil, err
	}
	return spec.resolve(size)
}

func parseRangeSpec(header string) (rangeSpec, error) {
	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return rangeSpec{}, ErrInvalidRange
	}
	set, _, _ = strings.Cut(set, ",")
	from, to, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok || strings.Contains(to, "-") {
		return rangeSpec{}, ErrInvalidRange
	}

	if from == "" {
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return rangeSpec{}, ErrInvalidRange
		}
		return rangeSpec{first: -1, last: n}, nil
	}

	first, err := strconv.ParseInt(from, 10, 64)
	if err != nil || first < 0 {
		return rangeSpec{}, ErrInvalidRange
	}
	if to == "" {
		return rangeSpec{first: first, last: -1}, nil
	}
	last, err := strconv.ParseInt(to, 10, 64)
	if err != nil || last < 0 {
		return rangeSpec{}, ErrInvalidRange
	}
	return rangeSpec{first: first, last: last}, nil
}

func (s rangeSpec) resolve(size int64) (*Range, error) {
	r := Range{Start: s.first, End: s.last}
	switch {
	case s.first < 0:
		r = Range{Start: max(size-s.last, 0), End: size - 1}
	case s.last < 0 || s.last >= size:
		r.End = size - 1
	}
	if s.first >= size || (s.last >= 0 && s.first > s.last) || r.Start > r.End {
		return nil, ErrUnsatisfiable
	}
	return &r, nil
}
