package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"carhunter/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore implements Store with a pgx transaction per transition.
type PGStore struct {
	pool TxBeginner
}

func NewPGStore(pool TxBeginner) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lifecycle: commit transition: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReserveEventKey(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("lifecycle: empty event key")
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO processed_events (key, scope) VALUES ($1, 'transition') ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("lifecycle: reserve event key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (t *pgTx) DealStatusForUpdate(ctx context.Context, dealID string) (Status, error) {
	var current string
	if err := t.tx.QueryRow(ctx, `SELECT status FROM deals WHERE id = $1 FOR UPDATE`, dealID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrDealNotFound
		}
		return "", fmt.Errorf("lifecycle: fetch current status: %w", err)
	}
	return Status(current), nil
}

func (t *pgTx) UpdateDealStatus(ctx context.Context, dealID string, next Status, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE deals
        SET status = $1,
            status_updated_at = $2,
            updated_at = $2
        WHERE id = $3
    `, string(next), at, dealID)
	if err != nil {
		return fmt.Errorf("lifecycle: update status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrDealNotFound
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.InsertEntry(ctx, t.tx, e)
}
