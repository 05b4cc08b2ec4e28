// Package progress defines the events emitted while a crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageSourceStart  Stage = "SOURCE_START"
	StageSourceDone   Stage = "SOURCE_DONE"
	StageSourceError  Stage = "SOURCE_ERROR"
	StageListingPage  Stage = "LISTING_PAGE"
	StageCategoryStop Stage = "CATEGORY_STOP"
	StageCheckpoint   Stage = "CHECKPOINT"
	StageRecord       Stage = "RECORD"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies one coordinator run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Source is required for every stage except the run stages.
	Source   string
	Category string
	Offset   int
	// URL is the candidate URL for record events.
	URL string
	// Outcome is set on record events.
	Outcome crawler.Outcome
	// Candidates is the number of links found on a listing page.
	Candidates int
	ErrorKind  crawler.ErrorKind
	// Dur captures listing fetch latency or source/run wall time.
	Dur time.Duration
	// Note carries low-volume context such as a stop reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageSourceStart, StageSourceDone, StageSourceError, StageListingPage, StageCategoryStop, StageCheckpoint:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageRecord:
		if e.Source == "" {
			return errors.New("record requires source")
		}
		if e.Outcome == "" {
			return errors.New("record requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ParseRunID decodes a run id string into the Event form.
func ParseRunID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return [16]byte(parsed), nil
}
