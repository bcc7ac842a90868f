package sqlite

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/italolelis/handoff/internal/storage"
)

// DefaultDedupWindow matches the coordinator's default tombstone TTL.
const DefaultDedupWindow = 30 * time.Second

// Option configures a DecisionWriteRepository.
type Option func(*DecisionWriteRepository)

// WithDedupWindow sets how long a decision shadows later ones for the same key.
func WithDedupWindow(d time.Duration) Option {
	return func(r *DecisionWriteRepository) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithRecordedBy sets the value stored in the recorded_by column.
func WithRecordedBy(id string) Option {
	return func(r *DecisionWriteRepository) {
		if id != "" {
			r.recordedBy = id
		}
	}
}

// DecisionWriteRepository implements storage.DecisionWriteRepository
// and stores decision records in SQLite.
type DecisionWriteRepository struct {
	db         *sql.DB
	recordedBy string
	window     time.Duration
	now        func() time.Time
}

func NewDecisionWriteRepository(db *sql.DB, opts ...Option) *DecisionWriteRepository {
	r := &DecisionWriteRepository{
		db:         db,
		recordedBy: processID(),
		window:     DefaultDedupWindow,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// processID names this daemon run: the host plus a ksuid minted at startup.
func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return host + "-" + ksuid.New().String()
}

// RecordDecision inserts the decision unless the key already has one inside the
// dedup window. Both observers of a native download share a key, so the first
// one wins; a browser reusing the id later starts a new row.
func (r *DecisionWriteRepository) RecordDecision(ctx context.Context, rec storage.DecisionRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	createdAt = createdAt.UTC()

	outcome := rec.Outcome
	if outcome == "" {
		outcome = storage.OutcomePending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO decisions (key, url, source, decision, reason, filename, size_bytes, outcome, recorded_by, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM decisions WHERE key = ? AND created_at > ?)
	`, rec.Key, rec.URL, rec.Source, rec.Decision, rec.Reason, rec.Filename, rec.SizeBytes, outcome, r.recordedBy, createdAt, createdAt,
		rec.Key, createdAt.Add(-r.window))

	return err
}

// RecordOutcome sets the outcome of the newest pending decision for key.
// A decision that already has a terminal outcome is left alone.
func (r *DecisionWriteRepository) RecordOutcome(ctx context.Context, key, outcome string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE decisions SET outcome = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM decisions WHERE key = ? AND outcome = ?
			ORDER BY created_at DESC, id DESC LIMIT 1
		)`,
		outcome, r.now(), key, storage.OutcomePending,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// PruneDecisions deletes decisions created before the cutoff.
func (r *DecisionWriteRepository) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
