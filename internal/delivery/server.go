package delivery

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrOutsideRoot = errors.New("path outside delivery root")

// Server streams files from below a single root directory.
type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{root: filepath.Clean(root), logger: logger}
}

// Contains reports whether path lies below the delivery root.
func (s *Server) Contains(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

// ServeFile writes path, honoring Range and If-None-Match. downloadName, if
// set, is offered as the attachment filename. Response errors are written
// to w; the returned error is only for logging.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, path, downloadName string) error {
	if !s.Contains(path) {
		http.Error(w, "file not found", http.StatusNotFound)
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		http.Error(w, "cannot open file", http.StatusInternalServerError)
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "cannot stat file", http.StatusInternalServerError)
		return fmt.Errorf("failed to stat file: %w", err)
	}

	size := stat.Size()
	etag := fmt.Sprintf(`"%x-%x"`, stat.ModTime().UnixNano(), size)

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("ETag", etag)
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	if downloadName != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	// a malformed Range header is ignored and the whole file served
	if ifRange := r.Header.Get("If-Range"); rng != nil && ifRange != "" && ifRange != etag {
		rng = nil
	}

	start := time.Now()
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		n, err := io.Copy(w, file)
		s.logCopy(path, n, start, err)
		return nil
	}

	h.Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	h.Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}

	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	n, err := io.CopyN(w, file, rng.ContentLength())
	s.logCopy(path, n, start, err)
	return nil
}

func (s *Server) logCopy(path string, n int64, start time.Time, err error) {
	if err != nil {
		s.logger.Debug("delivery interrupted", "file", filepath.Base(path), "bytes", n, "error", err)
		return
	}
	s.logger.Debug("delivered", "file", filepath.Base(path), "bytes", n, "duration_ms", time.Since(start).Milliseconds())
}
