package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carhunter/audit"
	"carhunter/keylock"
	"carhunter/payload"
)

var (
	// ErrInvalidTransition is returned when the target is not an allowed
	// successor of the current status. The deal is left untouched.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrDealNotFound is returned when no deal row exists for the identifier.
	ErrDealNotFound = errors.New("lifecycle: deal not found")
	// ErrDuplicateEvent signals the event key was already applied.
	ErrDuplicateEvent = errors.New("lifecycle: duplicate event key")
)

// Store runs fn as one atomic unit: either every write made through tx is
// committed or none is.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes a transition performs.
type Tx interface {
	// ReserveEventKey records key, returning ErrDuplicateEvent if it exists.
	ReserveEventKey(ctx context.Context, key string) error
	// DealStatusForUpdate reads the current status and holds it until commit.
	DealStatusForUpdate(ctx context.Context, dealID string) (Status, error)
	UpdateDealStatus(ctx context.Context, dealID string, next Status, at time.Time) error
	AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// TransitionOptions describe who asked for a transition and why.
type TransitionOptions struct {
	TriggeredBy audit.TriggeredBy
	Reasoning   string
	// EventKey is the stable external identifier (e.g. inbound message id)
	// that caused the transition. Replays with the same key are no-ops.
	EventKey string
}

// Result reports what AttemptTransition did.
type Result struct {
	DealID   string
	From     Status
	To       Status
	AuditID  int64
	Replayed bool
}

// Service validates and applies deal status transitions.
type Service struct {
	store Store
	locks *keylock.Map
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: keylock.New(),
		now:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AttemptTransition moves dealID to target if the transition table allows it,
// writing the status change and its audit entry atomically.
func (s *Service) AttemptTransition(ctx context.Context, dealID string, target Status, opts TransitionOptions) (Result, error) {
	if dealID == "" {
		return Result{}, fmt.Errorf("lifecycle: missing deal id")
	}
	if !target.Valid() {
		return Result{}, fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, target)
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = audit.TriggeredBySystem
	}

	unlock := s.locks.Lock(dealID)
	defer unlock()

	res := Result{DealID: dealID, To: target}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if opts.EventKey != "" {
			if err := tx.ReserveEventKey(ctx, opts.EventKey); err != nil {
				return err
			}
		}

		current, err := tx.DealStatusForUpdate(ctx, dealID)
		if err != nil {
			return err
		}
		res.From = current
		if !CanTransition(current, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}

		at := s.now().UTC().Truncate(time.Microsecond)
		if err := tx.UpdateDealStatus(ctx, dealID, target, at); err != nil {
			return err
		}

		entry, err := audit.Seal(audit.Entry{
			DealID:      dealID,
			Action:      audit.ActionStatusChange,
			FromState:   string(current),
			ToState:     string(target),
			Description: fmt.Sprintf("status %s -> %s", current, target),
			Reasoning:   opts.Reasoning,
			Context:     payload.StatusChange{From: string(current), To: string(target), EventKey: opts.EventKey},
			TriggeredBy: opts.TriggeredBy,
		}, at)
		if err != nil {
			return err
		}
		stored, err := tx.AppendAudit(ctx, entry)
		if err != nil {
			return err
		}
		res.AuditID = stored.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return Result{DealID: dealID, To: target, Replayed: true}, nil
		}
		return Result{}, err
	}
	return res, nil
}
