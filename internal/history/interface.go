package history

import (
	"context"
	"time"
)

// Collector accepts boost events for storage.
type Collector interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}

// Reader returns stored events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Repository defines the interface for event storage
type Repository interface {
	Reader
	Record(event *Event) error
	Close() error
}

// Kind classifies a boost event.
type Kind string

const (
	KindApply   Kind = "apply"
	KindRestore Kind = "restore"
	KindAbort   Kind = "abort"
	KindPreempt Kind = "preempt"
	KindSkip    Kind = "skip"
)

func (k Kind) Valid() bool {
	switch k {
	case KindApply, KindRestore, KindAbort, KindPreempt, KindSkip:
		return true
	default:
		return false
	}
}

// Event is one step of a boost cycle. Frequencies are in kHz.
type Event struct {
	Timestamp time.Time
	Cycle     uint64
	Kind      Kind
	Source    string
	// Core is -1 for events that concern the whole cycle.
	Core       int
	Target     uint32
	Floor      uint32
	Ceiling    uint32
	DurationMs int64
	Detail     string
}
