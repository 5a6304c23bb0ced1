package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/payload"
)

const selectColumns = `id, deal_id, action_type, description, reasoning, payload, checkpoint_type, threshold_value,
	status, resolved_by, resolved_at, resolution_notes, created_at, expires_at, dedupe_key`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) InsertApproval(ctx context.Context, req Request) (Request, bool, error) {
	body, err := payload.Marshal(req.Payload)
	if err != nil {
		return Request{}, false, err
	}

	const insertSQL = `
		INSERT INTO approval_queue (id, deal_id, action_type, description, reasoning, payload, checkpoint_type,
			threshold_value, status, created_at, expires_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING ` + selectColumns

	stored, err := scanRequest(r.pool.QueryRow(ctx, insertSQL,
		req.ID,
		nullableString(req.DealID),
		string(req.ActionType),
		req.Description,
		nullableString(req.Reasoning),
		string(body),
		nullableString(string(req.CheckpointType)),
		req.ThresholdValue,
		string(req.Status),
		req.CreatedAt,
		req.ExpiresAt,
		nullableString(req.DedupeKey),
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, false, fmt.Errorf("approval: insert: %w", err)
	}

	// The dedupe key already exists.
	existing, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM approval_queue WHERE dedupe_key = $1`, req.DedupeKey))
	if err != nil {
		return Request{}, false, fmt.Errorf("approval: load deduplicated request: %w", err)
	}
	return existing, false, nil
}

func (r *PGRepository) GetApproval(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM approval_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("approval: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) ListPendingApprovals(ctx context.Context, notExpiredAt *time.Time) ([]Request, error) {
	query := `SELECT ` + selectColumns + ` FROM approval_queue WHERE status = 'pending'`
	args := []any{}
	if notExpiredAt != nil {
		query += ` AND (expires_at IS NULL OR expires_at > $1)`
		args = append(args, *notExpiredAt)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate requests: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ResolveApproval(ctx context.Context, id string, status Status, res Resolution, at time.Time) (Request, error) {
	const updateSQL = `
		UPDATE approval_queue
		SET status = $2,
		    resolved_by = $3,
		    resolved_at = $4,
		    resolution_notes = $5
		WHERE id = $1
		  AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > $4)
		RETURNING ` + selectColumns

	req, err := scanRequest(r.pool.QueryRow(ctx, updateSQL, id, string(status), nullableString(res.By), at, nullableString(res.Notes)))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, fmt.Errorf("approval: resolve: %w", err)
	}

	current, err := r.GetApproval(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if current.Status != StatusPending {
		return Request{}, ErrAlreadyResolved
	}
	return Request{}, ErrExpired
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req            Request
		dealID         *string
		actionType     string
		reasoning      *string
		body           []byte
		checkpointType *string
		status         string
		resolvedBy     *string
		notes          *string
		dedupeKey      *string
	)
	if err := row.Scan(
		&req.ID,
		&dealID,
		&actionType,
		&req.Description,
		&reasoning,
		&body,
		&checkpointType,
		&req.ThresholdValue,
		&status,
		&resolvedBy,
		&req.ResolvedAt,
		&notes,
		&req.CreatedAt,
		&req.ExpiresAt,
		&dedupeKey,
	); err != nil {
		return Request{}, err
	}

	snapshot, err := payload.Unmarshal(body)
	if err != nil {
		return Request{}, err
	}
	req.DealID = deref(dealID)
	req.ActionType = payload.ActionType(actionType)
	req.Reasoning = deref(reasoning)
	req.Payload = snapshot
	req.CheckpointType = CheckpointType(deref(checkpointType))
	req.Status = Status(status)
	req.ResolvedBy = deref(resolvedBy)
	req.ResolutionNotes = deref(notes)
	req.DedupeKey = deref(dedupeKey)
	return req, nil
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
