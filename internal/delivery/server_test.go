package delivery

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "project", "job-1.mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	return NewServer(root, slog.New(slog.NewTextHandler(io.Discard, nil))), path
}

func serve(s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/result", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeFile(rec, req, path, "job-1.mp4")
	return rec
}

func TestServeFile_Full(t *testing.T) {
	s, path := testServer(t)
	rec := serve(s, path, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges")
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), `filename=job-1.mp4`) {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
}

func TestServeFile_Range(t *testing.T) {
	s, path := testServer(t)
	rec := serve(s, path, map[string]string{"Range": "bytes=2-5"})

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "2345")
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeFile_Unsatisfiable(t *testing.T) {
	s, path := testServer(t)
	rec := serve(s, path, map[string]string{"Range": "bytes=20-"})

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeFile_MalformedRangeServesAll(t *testing.T) {
	s, path := testServer(t)
	rec := serve(s, path, map[string]string{"Range": "pages=1"})
	if rec.Code != http.StatusOK || rec.Body.Len() != 10 {
		t.Fatalf("status = %d, len = %d", rec.Code, rec.Body.Len())
	}
}

func TestServeFile_NotModified(t *testing.T) {
	s, path := testServer(t)
	etag := serve(s, path, nil).Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	rec := serve(s, path, map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
}

func TestServeFile_OutsideRoot(t *testing.T) {
	s, _ := testServer(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0644)

	rec := serve(s, outside, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("leaked file outside root")
	}
}

func TestServeFile_Missing(t *testing.T) {
	s, path := testServer(t)
	rec := serve(s, filepath.Join(filepath.Dir(path), "gone.mp4"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestContains(t *testing.T) {
	s := NewServer("/out", nil)
	tests := map[string]bool{
		"/out/p/job.mp4":     true,
		"/out":               false,
		"/out/../etc/passwd": false,
		"/outside/job.mp4":   false,
		"/out/..hidden/x":    true,
	}
	for path, want := range tests {
		if got := s.Contains(path); got != want {
			t.Errorf("Contains(%q) = %v, want %v", path, got, want)
		}
	}
}
