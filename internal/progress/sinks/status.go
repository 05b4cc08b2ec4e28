package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
)

// SourceState is the coarse lifecycle of a source within the latest run.
type SourceState string

// Source states.
const (
	StateIdle    SourceState = "idle"
	StateRunning SourceState = "running"
	StateDone    SourceState = "done"
	StateFailed  SourceState = "failed"
)

// SourceStatus is the live view of one source.
type SourceStatus struct {
	Source     string         `json:"source"`
	RunID      string         `json:"run_id,omitempty"`
	State      SourceState    `json:"state"`
	Category   string         `json:"category,omitempty"`
	Offset     int            `json:"offset"`
	Pages      int            `json:"pages"`
	Outcomes   map[string]int `json:"outcomes"`
	LastStop   string         `json:"last_stop,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// StatusSink folds events into per-source status for the ops API.
type StatusSink struct {
	mu      sync.RWMutex
	sources map[string]*SourceStatus
}

// NewStatusSink constructs an empty StatusSink.
func NewStatusSink() *StatusSink {
	return &StatusSink{sources: make(map[string]*SourceStatus)}
}

// Consume applies batch.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Source == "" {
			continue
		}
		st, ok := s.sources[evt.Source]
		if !ok {
			st = &SourceStatus{Source: evt.Source, State: StateIdle, Outcomes: map[string]int{}}
			s.sources[evt.Source] = st
		}
		st.UpdatedAt = evt.TS
		switch evt.Stage {
		case progress.StageSourceStart:
			*st = SourceStatus{
				Source:    evt.Source,
				RunID:     evt.RunUUID().String(),
				State:     StateRunning,
				Outcomes:  map[string]int{},
				StartedAt: evt.TS,
				UpdatedAt: evt.TS,
			}
		case progress.StageListingPage:
			st.Pages++
			st.Category, st.Offset = evt.Category, evt.Offset
		case progress.StageCheckpoint:
			st.Category, st.Offset = evt.Category, evt.Offset
		case progress.StageCategoryStop:
			st.LastStop = evt.Category + ": " + evt.Note
		case progress.StageRecord:
			st.Outcomes[string(evt.Outcome)]++
		case progress.StageSourceDone:
			st.State, st.FinishedAt = StateDone, evt.TS
		case progress.StageSourceError:
			st.State, st.FinishedAt, st.LastError = StateFailed, evt.TS, evt.Note
		}
	}
	return nil
}

// Snapshot returns a copy of every source status, sorted by source.
func (s *StatusSink) Snapshot() []SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceStatus, 0, len(s.sources))
	for _, st := range s.sources {
		cp := *st
		cp.Outcomes = make(map[string]int, len(st.Outcomes))
		for k, v := range st.Outcomes {
			cp.Outcomes[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Source returns the status of one source.
func (s *StatusSink) Source(id string) (SourceStatus, bool) {
	for _, st := range s.Snapshot() {
		if st.Source == id {
			return st, true
		}
	}
	return SourceStatus{}, false
}

// Inserted is a convenience for the inserted outcome count.
func (st SourceStatus) Inserted() int {
	return st.Outcomes[string(crawler.OutcomeInserted)]
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
