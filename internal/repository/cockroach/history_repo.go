package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/pagination"
)

// HistoryRepository is the call history ledger: append-only, one row per
// terminated session
type HistoryRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(pool *pgxpool.Pool, m *metrics.Metrics) *HistoryRepository {
	return &HistoryRepository{pool: pool, metrics: m}
}

// Record appends one ledger entry. The state machine's claim latch
// guarantees a single call per session; ON CONFLICT DO NOTHING keeps a
// crash-retry from ever producing a duplicate row.
func (r *HistoryRepository) Record(ctx context.Context, entry *domain.CallHistoryEntry) error {
	query := `
		INSERT INTO call_history (
			session_id, caller_user_id, callee_user_id, kind, outcome,
			duration, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query,
		entry.SessionID,
		entry.CallerUserID,
		entry.CalleeUserID,
		entry.Kind,
		entry.Outcome,
		entry.Duration,
		entry.StartedAt,
		entry.EndedAt,
	)
	if r.metrics != nil {
		r.metrics.RecordDBQuery("insert", "call_history", time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("failed to record call history entry: %w", err)
	}

	return nil
}

// ListByUser returns the user's entries most recent first, keyset-paginated
// on (ended_at, session_id). Returns the page and, when more rows remain,
// the cursor of the last returned row.
func (r *HistoryRepository) ListByUser(ctx context.Context, userID uuid.UUID, params *pagination.Params) ([]*domain.CallHistoryEntry, *pagination.Cursor, error) {
	query := `
		SELECT session_id, caller_user_id, callee_user_id, kind, outcome,
		       duration, started_at, ended_at
		FROM call_history
		WHERE (caller_user_id = $1 OR callee_user_id = $1)
	`
	args := []interface{}{userID}

	if params.Cursor != nil {
		query += ` AND (ended_at, session_id) < ($2, $3)`
		args = append(args, params.Cursor.EndedAt, params.Cursor.ID)
	}

	// Fetch one extra row to detect whether another page exists
	query += fmt.Sprintf(` ORDER BY ended_at DESC, session_id DESC LIMIT %d`, params.Limit+1)

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, args...)
	if r.metrics != nil {
		r.metrics.RecordDBQuery("select", "call_history", time.Since(start), err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.CallHistoryEntry, 0, params.Limit)
	for rows.Next() {
		entry := &domain.CallHistoryEntry{}
		if err := rows.Scan(
			&entry.SessionID,
			&entry.CallerUserID,
			&entry.CalleeUserID,
			&entry.Kind,
			&entry.Outcome,
			&entry.Duration,
			&entry.StartedAt,
			&entry.EndedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan call history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read call history rows: %w", err)
	}

	var next *pagination.Cursor
	if len(entries) > params.Limit {
		entries = entries[:params.Limit]
		last := entries[len(entries)-1]
		next = &pagination.Cursor{EndedAt: last.EndedAt, ID: last.SessionID}
	}

	return entries, next, nil
}
