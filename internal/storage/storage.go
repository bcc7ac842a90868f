package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no decision exists for a key.
var ErrNotFound = errors.New("decision not found")

// Values stored in DecisionRecord.Decision.
const (
	DecisionIntercepted = "INTERCEPTED"
	DecisionIgnored     = "IGNORED"
)

// OutcomePending marks a decision whose interception has not reached a terminal state.
const OutcomePending = "pending"

// DecisionRecord is one classified candidate and, once known, what happened to it.
type DecisionRecord struct {
	Key        string
	URL        string
	Source     string
	Decision   string
	Reason     string
	Filename   string
	SizeBytes  int64
	Outcome    string
	RecordedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type DecisionReadRepository interface {
	RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	GetDecision(ctx context.Context, key string) (*DecisionRecord, error)
}

type DecisionWriteRepository interface {
	// RecordDecision stores the first decision seen for a key; later ones for the same key are ignored.
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	// RecordOutcome sets the outcome of a pending decision.
	RecordOutcome(ctx context.Context, key, outcome string) error
	PruneDecisions(ctx context.Context, before time.Time) (int64, error)
}

type DecisionRepository interface {
	DecisionReadRepository
	DecisionWriteRepository
}
