// Package progress defines the lifecycle events emitted by harvest runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageStrategyDone Stage = "STRATEGY_DONE"
	StagePageDone     Stage = "PAGE_DONE"
	StageFlushDone    Stage = "FLUSH_DONE"
)

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID uniquely identifies a harvest run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Strategy scopes page and flush events to a collection strategy name.
	Strategy string
	// Page is the page number for page events.
	Page int
	// Records counts marketplace records carried by the milestone: records
	// on a page, rows persisted by a flush, or the run total.
	Records int64
	// Duplicates counts records skipped by dedup or the unique constraint.
	Duplicates int64
	// Dur captures execution latency for pages, flushes and run completion.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
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
	case StageStrategyDone:
		if e.Strategy == "" {
			return errors.New("strategy done requires a strategy name")
		}
	case StagePageDone:
		if e.Strategy == "" {
			return errors.New("page done requires a strategy name")
		}
		if e.Page <= 0 {
			return errors.New("page done requires a page number")
		}
	case StageFlushDone:
		if e.Strategy == "" {
			return errors.New("flush done requires a strategy name")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for sinks.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
