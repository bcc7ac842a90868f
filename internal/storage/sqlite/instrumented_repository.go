package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/handoff/internal/storage"
	"github.com/italolelis/handoff/internal/telemetry"
)

// InstrumentedDecisionRepository wraps DecisionRepository with telemetry.
type InstrumentedDecisionRepository struct {
	repo      *DecisionRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDecisionRepository creates a new instrumented decision repository.
func NewInstrumentedDecisionRepository(dbConn *sql.DB, tel *telemetry.Telemetry, opts ...Option) *InstrumentedDecisionRepository {
	return &InstrumentedDecisionRepository{
		repo:      NewDecisionRepository(dbConn, opts...),
		telemetry: tel,
	}
}

func (r *InstrumentedDecisionRepository) RecentDecisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error) {
	var result []storage.DecisionRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "recent_decisions", func(ctx context.Context) error {
		var err error
		result, err = r.repo.RecentDecisions(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDecisionRepository) GetDecision(ctx context.Context, key string) (*storage.DecisionRecord, error) {
	var result *storage.DecisionRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_decision", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDecision(ctx, key)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDecisionRepository) RecordDecision(ctx context.Context, rec storage.DecisionRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_decision", func(ctx context.Context) error {
		return r.repo.RecordDecision(ctx, rec)
	})
}

func (r *InstrumentedDecisionRepository) RecordOutcome(ctx context.Context, key, outcome string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(ctx, key, outcome)
	})
}

func (r *InstrumentedDecisionRepository) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_decisions", func(ctx context.Context) error {
		var err error
		deleted, err = r.repo.PruneDecisions(ctx, before)

		return err
	})

	return deleted, err
}
