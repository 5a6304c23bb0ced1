package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/payload"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so entries can be written
// inside a caller's transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) AppendAudit(ctx context.Context, e Entry) (Entry, error) {
	return InsertEntry(ctx, r.pool, e)
}

func (r *PGRepository) ListAudit(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.DealID != "" {
		args = append(args, f.DealID)
		where = append(where, fmt.Sprintf("deal_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}

	query := `
		SELECT id, deal_id, action, from_state, to_state, description, reasoning, context, triggered_by, created_at, digest
		FROM audit_log
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}

// InsertEntry writes an already sealed entry through q and returns it with
// its assigned ID.
func InsertEntry(ctx context.Context, q Querier, e Entry) (Entry, error) {
	ctxJSON, err := payload.Marshal(e.Context)
	if err != nil {
		return Entry{}, err
	}

	const insertSQL = `
		INSERT INTO audit_log (deal_id, action, from_state, to_state, description, reasoning, context, triggered_by, created_at, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		RETURNING id
	`
	if err := q.QueryRow(ctx, insertSQL,
		nullableString(e.DealID),
		e.Action,
		nullableString(e.FromState),
		nullableString(e.ToState),
		e.Description,
		nullableString(e.Reasoning),
		string(ctxJSON),
		string(e.TriggeredBy),
		e.CreatedAt,
		e.Digest,
	).Scan(&e.ID); err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e           Entry
		dealID      *string
		fromState   *string
		toState     *string
		reasoning   *string
		ctxJSON     []byte
		triggeredBy string
		createdAt   time.Time
	)
	if err := row.Scan(&e.ID, &dealID, &e.Action, &fromState, &toState, &e.Description, &reasoning, &ctxJSON, &triggeredBy, &createdAt, &e.Digest); err != nil {
		return Entry{}, err
	}
	snapshot, err := payload.Unmarshal(ctxJSON)
	if err != nil {
		return Entry{}, err
	}
	e.DealID = deref(dealID)
	e.FromState = deref(fromState)
	e.ToState = deref(toState)
	e.Reasoning = deref(reasoning)
	e.Context = snapshot
	e.TriggeredBy = TriggeredBy(triggeredBy)
	e.CreatedAt = createdAt.UTC()
	return e, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
