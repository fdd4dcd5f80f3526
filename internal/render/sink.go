package render

import (
	"fmt"
	"os"
	"path/filepath"
)

const framePattern = "frame_%06d.png"

// frameSink writes rendered frames to disk strictly in output order.
type frameSink struct {
	dir  string
	next int
}

func newFrameSink(dir string) (*frameSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	return &frameSink{dir: dir}, nil
}

func (s *frameSink) Write(index int, png []byte) error {
	if index != s.next {
		return fmt.Errorf("frame %d written out of order, expected %d", index, s.next)
	}
	path := filepath.Join(s.dir, fmt.Sprintf(framePattern, index))
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("write frame %d: %w", index, err)
	}
	s.next++
	return nil
}

// Pattern is the printf-style path the encoder reads frames from.
func (s *frameSink) Pattern() string {
	return filepath.Join(s.dir, framePattern)
}

func (s *frameSink) Count() int { return s.next }
