package progress

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type span struct{ lo, hi float64 }

// Overall percent range owned by each stage.
var stageSpans = map[Stage]span{
	StagePreparing:  {0, 2},
	StageRendering:  {2, 85},
	StageEncoding:   {85, 98},
	StageFinalizing: {98, 100},
}

var stageOrder = map[Stage]int{
	StagePreparing:  0,
	StageRendering:  1,
	StageEncoding:   2,
	StageFinalizing: 3,
}

// Tracker turns per-stage progress of one job into a non-decreasing overall
// percent and publishes it through the hub. A nil Tracker discards reports.
type Tracker struct {
	hub      *Hub
	jobID    string
	limiter  *rate.Limiter
	onReport func(Event)
	now      func() time.Time

	mu          sync.Mutex
	started     time.Time
	stage       Stage
	percent     float64
	framesDone  int
	framesTotal int
}

// Tracker returns a tracker for jobID. onReport, if set, sees every event that
// is published.
func (h *Hub) Tracker(jobID string, onReport func(Event)) *Tracker {
	limit := rate.Inf
	if h.rate > 0 {
		limit = rate.Limit(h.rate)
	}
	return &Tracker{
		hub:      h,
		jobID:    jobID,
		limiter:  rate.NewLimiter(limit, 1),
		onReport: onReport,
		now:      time.Now,
		started:  time.Now(),
	}
}

// Stage enters a new stage. Moving backwards is ignored.
func (t *Tracker) Stage(s Stage) {
	t.report(s, 0, -1, -1)
}

// Frames reports rendering progress.
func (t *Tracker) Frames(done, total int) {
	f := 0.0
	if total > 0 {
		f = float64(done) / float64(total)
	}
	t.report(StageRendering, f, done, total)
}

// Fraction reports progress within a stage as a value in [0,1].
func (t *Tracker) Fraction(s Stage, f float64) {
	t.report(s, f, -1, -1)
}

// Done publishes 100%.
func (t *Tracker) Done() {
	t.report(StageFinalizing, 1, -1, -1)
}

func (t *Tracker) Percent() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

func (t *Tracker) CurrentStage() Stage {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Tracker) report(s Stage, fraction float64, done, total int) {
	if t == nil {
		return
	}
	sp, ok := stageSpans[s]
	if !ok {
		return
	}

	t.mu.Lock()
	if t.stage != "" && stageOrder[s] < stageOrder[t.stage] {
		t.mu.Unlock()
		return
	}
	stageChanged := s != t.stage
	t.stage = s

	if math.IsNaN(fraction) {
		fraction = 0
	}
	fraction = math.Max(0, math.Min(1, fraction))
	pct := sp.lo + (sp.hi-sp.lo)*fraction
	if pct < t.percent {
		pct = t.percent
	}
	t.percent = pct

	if done >= 0 {
		t.framesDone = done
	}
	if total >= 0 {
		t.framesTotal = total
	}

	if !stageChanged && pct < 100 && !t.limiter.Allow() {
		t.mu.Unlock()
		return
	}

	ev := Event{
		JobID:       t.jobID,
		Stage:       t.stage,
		Percent:     math.Round(pct*100) / 100,
		FramesDone:  t.framesDone,
		FramesTotal: t.framesTotal,
	}
	if pct > 0 && pct < 100 {
		elapsed := t.now().Sub(t.started).Seconds()
		eta := elapsed * (100 - pct) / pct
		ev.ETASeconds = &eta
	}
	// Publish is non-blocking; holding mu keeps delivery in percent order.
	t.hub.Publish(ev)
	t.mu.Unlock()

	if t.onReport != nil {
		t.onReport(ev)
	}
}
