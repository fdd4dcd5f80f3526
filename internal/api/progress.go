package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/reframe/reframe-render/internal/jobs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isAllowedOrigin(origin)
	},
}

// progressHandler streams progress events for one job over a WebSocket. The
// stream is best effort: when the job reaches a terminal state the socket is
// closed with the final status as the close reason.
func progressHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Hub == nil {
			WriteError(w, http.StatusServiceUnavailable, "progress streaming is disabled", "UNAVAILABLE")
			return
		}

		job, ok := loadJob(cfg, w, r)
		if !ok {
			return
		}

		// Subscribe before re-reading so a finish in between is not missed.
		sub := cfg.Hub.Subscribe(job.ID)
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Debug("websocket upgrade failed", "error", err, "job_id", job.ID)
			return
		}
		defer conn.Close()

		logger := cfg.Logger.With("job_id", job.ID)
		logger.Debug("progress subscriber connected")

		if current, err := cfg.Manager.Get(r.Context(), job.ID); err == nil && current.Status.IsTerminal() {
			closeWithStatus(conn, current.Status)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readPump(conn, cancel)

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case ev, ok := <-sub.Events():
				if !ok {
					status := jobs.Status("closed")
					if final, err := cfg.Manager.Get(context.WithoutCancel(ctx), job.ID); err == nil {
						status = final.Status
					}
					closeWithStatus(conn, status)
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug("progress write failed", "error", err)
					return
				}
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// cancels once the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeWithStatus(conn *websocket.Conn, status jobs.Status) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
