package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/progress"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestProgressSocket_StreamsUntilComplete(t *testing.T) {
	var env *testEnv
	exec := &fakeExecutor{fn: func(ctx context.Context, job *jobs.ExportJob, tr *progress.Tracker) (string, error) {
		deadline := time.Now().Add(5 * time.Second)
		for env.cfg.Hub.SubscriberCount(job.ID) == 0 {
			if time.Now().After(deadline) {
				return "", errors.New("no subscriber")
			}
			time.Sleep(5 * time.Millisecond)
		}
		tr.Stage(progress.StageRendering)
		tr.Frames(5, 10)
		tr.Frames(10, 10)
		return "/exports/" + job.ID + ".mp4", nil
	}}
	env = newTestEnv(t, exec)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	job, err := env.cfg.Manager.Submit(context.Background(), jobs.SubmitRequest{ResourceKey: "p", Snapshot: validSnapshot()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/exports/"+job.ID+"/progress"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.cfg.Manager.Start(ctx)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var events []progress.Event
	var closeErr *websocket.CloseError
	for {
		var ev progress.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !errors.As(err, &closeErr) {
				t.Fatalf("ReadJSON() error = %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != string(jobs.StatusComplete) {
		t.Fatalf("close = %d %q, want 1000 %q", closeErr.Code, closeErr.Text, jobs.StatusComplete)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one progress event")
	}
	last := 0.0
	for _, ev := range events {
		if ev.JobID != job.ID {
			t.Errorf("event job_id = %q, want %q", ev.JobID, job.ID)
		}
		if ev.Percent < last {
			t.Errorf("percent went backwards: %v after %v", ev.Percent, last)
		}
		last = ev.Percent
	}
}

func TestProgressSocket_TerminalJobClosesImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	job, err := env.cfg.Manager.Submit(context.Background(), jobs.SubmitRequest{ResourceKey: "p", Snapshot: validSnapshot()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := env.cfg.Manager.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/exports/"+job.ID+"/progress"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close frame", err)
	}
	if closeErr.Text != string(jobs.StatusCancelled) {
		t.Fatalf("close reason = %q, want %q", closeErr.Text, jobs.StatusCancelled)
	}
}

func TestProgressSocket_UnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/exports/missing/progress"), nil)
	if err == nil {
		t.Fatal("Dial() should fail for an unknown job")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", resp)
	}
}
