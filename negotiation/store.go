package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ContextStore persists one Context blob per deal.
type ContextStore interface {
	// LoadContext returns a fresh initial context when none is stored.
	LoadContext(ctx context.Context, dealID string) (*Context, error)
	// UpdateContext loads the deal's context, applies fn and stores the result
	// when fn reports save. Updates of one deal never interleave, so an
	// appended message cannot be overwritten by a concurrent writer.
	UpdateContext(ctx context.Context, dealID string, fn func(*Context) (save bool, err error)) error
}

// DB abstracts pgxpool.Pool for the context store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGContextStore keeps contexts in negotiation_contexts as jsonb.
type PGContextStore struct {
	db DB
}

func NewPGContextStore(db DB) *PGContextStore {
	return &PGContextStore{db: db}
}

func (s *PGContextStore) LoadContext(ctx context.Context, dealID string) (*Context, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT context FROM negotiation_contexts WHERE deal_id = $1`, dealID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NewContext(), nil
		}
		return nil, fmt.Errorf("negotiation: load context: %w", err)
	}
	return decodeContext(raw)
}

// UpdateContext holds the deal's row with FOR UPDATE for the whole
// read-modify-write. A missing row is inserted first so there is always
// something to lock; it is rolled back with everything else when fn declines
// to save.
func (s *PGContextStore) UpdateContext(ctx context.Context, dealID string, fn func(*Context) (bool, error)) error {
	if dealID == "" {
		return fmt.Errorf("negotiation: missing deal id")
	}
	fresh, err := json.Marshal(NewContext())
	if err != nil {
		return fmt.Errorf("negotiation: encode context: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO negotiation_contexts (deal_id, context, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (deal_id) DO NOTHING
	`, dealID, fresh); err != nil {
		return fmt.Errorf("negotiation: ensure context row: %w", err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT context FROM negotiation_contexts WHERE deal_id = $1 FOR UPDATE`, dealID).Scan(&raw); err != nil {
		return fmt.Errorf("negotiation: lock context: %w", err)
	}
	c, err := decodeContext(raw)
	if err != nil {
		return err
	}

	save, err := fn(c)
	if err != nil || !save {
		return err
	}

	updated, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("negotiation: encode context: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE negotiation_contexts SET context = $2, updated_at = NOW() WHERE deal_id = $1`, dealID, updated); err != nil {
		return fmt.Errorf("negotiation: save context: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("negotiation: commit context: %w", err)
	}
	return nil
}

func decodeContext(raw []byte) (*Context, error) {
	c := NewContext()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("negotiation: decode context: %w", err)
	}
	if c.Stage == "" {
		c.Stage = StageInitial
	}
	return c, nil
}
