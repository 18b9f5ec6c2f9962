package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StageStatus is the outcome of a single verification stage.
type StageStatus string

const (
	StageRunning StageStatus = "running"
	StageOK      StageStatus = "ok"
	StageWarn    StageStatus = "warn"
	StageFailed  StageStatus = "failed"
)

// StageRecord captures one stage's progress for terminal rendering.
type StageRecord struct {
	Name     string
	Status   StageStatus
	Detail   string
	Started  time.Time
	Finished time.Time
}

// StageTracker records per-stage progress of a verification pipeline.
// It is safe for concurrent use by the fan-out stages.
type StageTracker struct {
	mu     sync.Mutex
	image  string
	stages []*StageRecord
	index  map[string]*StageRecord
}

// NewStageTracker creates a tracker for the given image's pipeline.
func NewStageTracker(image string) *StageTracker {
	return &StageTracker{
		image: image,
		index: make(map[string]*StageRecord),
	}
}

// Begin marks a stage as started and logs it.
func (st *StageTracker) Begin(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec := &StageRecord{Name: name, Status: StageRunning, Started: time.Now()}
	st.stages = append(st.stages, rec)
	st.index[name] = rec

	log.Debug().Str("image", st.image).Str("stage", name).Msg("stage started")
}

// End marks a stage as finished with the given status and detail.
func (st *StageTracker) End(name string, status StageStatus, detail string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.index[name]
	if !ok {
		rec = &StageRecord{Name: name, Started: time.Now()}
		st.stages = append(st.stages, rec)
		st.index[name] = rec
	}
	rec.Status = status
	rec.Detail = detail
	rec.Finished = time.Now()

	evt := log.Info().
		Str("image", st.image).
		Str("stage", name).
		Str("status", string(status)).
		Dur("elapsed", rec.Finished.Sub(rec.Started))
	if detail != "" {
		evt = evt.Str("detail", detail)
	}
	evt.Msg("stage finished")
}

// Stages returns a snapshot of stage records in start order.
func (st *StageTracker) Stages() []StageRecord {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]StageRecord, 0, len(st.stages))
	for _, rec := range st.stages {
		out = append(out, *rec)
	}
	return out
}

// Glyph returns the terminal annotation for a stage status.
func (s StageStatus) Glyph() string {
	switch s {
	case StageOK:
		return "✓"
	case StageWarn:
		return "⚠"
	case StageFailed:
		return "✗"
	default:
		return "…"
	}
}
