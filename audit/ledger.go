package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"carhunter/payload"
)

var (
	// ErrUnavailable wraps every storage failure surfaced by the ledger.
	ErrUnavailable = errors.New("audit: storage unavailable")
	// ErrInvalidEntry signals an entry missing its action or actor.
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// Store persists sealed entries. Implementations never update or delete.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) (Entry, error)
	ListAudit(ctx context.Context, f Filter) ([]Entry, error)
}

// Ledger is the append-only sink used by the governance components.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append seals and persists e. Storage errors are wrapped with ErrUnavailable
// and returned to the caller.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	sealed, err := Seal(e, l.now())
	if err != nil {
		return Entry{}, err
	}
	stored, err := l.store.AppendAudit(ctx, sealed)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append %s: %w: %w", e.Action, ErrUnavailable, err)
	}
	return stored, nil
}

// List returns entries newest first, for display and reconciliation only.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := l.store.ListAudit(ctx, normalizeFilter(f))
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w: %w", ErrUnavailable, err)
	}
	return entries, nil
}

// Seal validates e, stamps CreatedAt (microsecond precision, matching
// timestamptz) when unset and computes its digest.
func Seal(e Entry, now time.Time) (Entry, error) {
	if e.Action == "" {
		return Entry{}, fmt.Errorf("%w: missing action", ErrInvalidEntry)
	}
	if e.TriggeredBy == "" {
		e.TriggeredBy = TriggeredBySystem
	}
	if !e.TriggeredBy.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown actor %q", ErrInvalidEntry, e.TriggeredBy)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)

	digest, err := Digest(e)
	if err != nil {
		return Entry{}, err
	}
	e.Digest = digest
	return e, nil
}

// Digest returns the hex BLAKE2b-256 of the entry content, excluding ID and
// Digest itself.
func Digest(e Entry) (string, error) {
	ctxJSON, err := payload.Marshal(e.Context)
	if err != nil {
		return "", fmt.Errorf("audit: digest context: %w", err)
	}
	canonical := struct {
		DealID      string          `json:"deal_id"`
		Action      string          `json:"action"`
		FromState   string          `json:"from_state"`
		ToState     string          `json:"to_state"`
		Description string          `json:"description"`
		Reasoning   string          `json:"reasoning"`
		Context     json.RawMessage `json:"context"`
		TriggeredBy TriggeredBy     `json:"triggered_by"`
		CreatedAt   string          `json:"created_at"`
	}{
		DealID:      e.DealID,
		Action:      e.Action,
		FromState:   e.FromState,
		ToState:     e.ToState,
		Description: e.Description,
		Reasoning:   e.Reasoning,
		Context:     ctxJSON,
		TriggeredBy: e.TriggeredBy,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("audit: digest encode: %w", err)
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes digests and returns the IDs of entries that no longer
// match what was sealed.
func Verify(entries []Entry) []int64 {
	var tampered []int64
	for _, e := range entries {
		want, err := Digest(e)
		if err != nil || want != e.Digest {
			tampered = append(tampered, e.ID)
		}
	}
	return tampered
}

func normalizeFilter(f Filter) Filter {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return f
}
