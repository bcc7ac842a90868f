package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/handoff/internal/storage"
)

const selectDecision = `SELECT key, url, source, decision, reason, filename, size_bytes, outcome, recorded_by, created_at, updated_at FROM decisions`

type DecisionReadRepository struct {
	db *sql.DB
}

func NewDecisionReadRepository(dbConn *sql.DB) *DecisionReadRepository {
	return &DecisionReadRepository{db: dbConn}
}

// RecentDecisions returns up to limit decisions, newest first.
func (r *DecisionReadRepository) RecentDecisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDecision+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := make([]storage.DecisionRecord, 0, limit)

	for rows.Next() {
		record, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}

		decisions = append(decisions, record)
	}

	return decisions, rows.Err()
}

// GetDecision returns the newest decision recorded for key.
func (r *DecisionReadRepository) GetDecision(ctx context.Context, key string) (*storage.DecisionRecord, error) {
	record, err := scanDecision(r.db.QueryRowContext(ctx, selectDecision+` WHERE key = ? ORDER BY created_at DESC, id DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &record, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (storage.DecisionRecord, error) {
	var (
		record     storage.DecisionRecord
		filename   sql.NullString
		recordedBy sql.NullString
		updatedAt  sql.NullTime
	)

	err := s.Scan(
		&record.Key,
		&record.URL,
		&record.Source,
		&record.Decision,
		&record.Reason,
		&filename,
		&record.SizeBytes,
		&record.Outcome,
		&recordedBy,
		&record.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return record, err
	}

	record.Filename = filename.String
	record.RecordedBy = recordedBy.String

	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.Time
	}

	return record, nil
}
