// Package progress fans out ephemeral render progress to listeners.
//
// Nothing here is authoritative: events are never persisted or replayed, and
// a slow subscriber loses events rather than slowing the render loop. Clients
// that reconnect must re-read the job row.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const DefaultBufferSize = 32

type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageRendering  Stage = "rendering"
	StageEncoding   Stage = "encoding"
	StageFinalizing Stage = "finalizing"
)

type Event struct {
	JobID       string   `json:"job_id"`
	Stage       Stage    `json:"stage"`
	Percent     float64  `json:"percent"`
	FramesDone  int      `json:"frames_done"`
	FramesTotal int      `json:"frames_total"`
	ETASeconds  *float64 `json:"eta_seconds,omitempty"`
}

type Subscription struct {
	hub     *Hub
	jobID   string
	ch      chan Event
	once    sync.Once
	dropped atomic.Int64
}

// Events is closed when the subscription ends or the job finishes.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.hub.remove(s)
}

type Hub struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	rate       float64
	logger     *slog.Logger
	dropped    atomic.Int64
}

// NewHub creates a hub whose trackers emit at most eventsPerSecond events per
// job (stage changes and completion always go through).
func NewHub(bufferSize int, eventsPerSecond float64, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		rate:       eventsPerSecond,
		logger:     logger,
	}
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	s := &Subscription{hub: h, jobID: jobID, ch: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish never blocks.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// CloseJob ends every subscription for jobID.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	set := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for s := range set {
		s.once.Do(func() { close(s.ch) })
	}
	if len(set) > 0 {
		h.logger.Debug("closed progress streams", "job_id", jobID, "subscribers", len(set))
	}
}

func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.jobID)
		}
	}
	h.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
}
