package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carhunter/audit"
	"carhunter/payload"
)

var (
	// ErrNotFound is returned when no request exists for the identifier.
	ErrNotFound = errors.New("approval: not found")
	// ErrAlreadyResolved is returned when the request is no longer pending.
	ErrAlreadyResolved = errors.New("approval: already resolved")
	// ErrExpired is returned when resolving a pending request past its expiry.
	ErrExpired = errors.New("approval: expired")
	// ErrInvalidOutcome is returned for outcomes other than approved/rejected.
	ErrInvalidOutcome = errors.New("approval: outcome must be approved or rejected")
)

// Repository persists approval requests.
type Repository interface {
	// InsertApproval stores req. When req.DedupeKey matches an existing row,
	// that row is returned with created=false and nothing is written.
	InsertApproval(ctx context.Context, req Request) (stored Request, created bool, err error)
	GetApproval(ctx context.Context, id string) (Request, error)
	// ListPendingApprovals returns status=pending rows oldest first. When
	// notExpiredAt is set, rows with expires_at <= *notExpiredAt are skipped.
	ListPendingApprovals(ctx context.Context, notExpiredAt *time.Time) ([]Request, error)
	// ResolveApproval moves a pending, unexpired request to status. It fails
	// with ErrNotFound, ErrAlreadyResolved or ErrExpired without writing.
	ResolveApproval(ctx context.Context, id string, status Status, res Resolution, at time.Time) (Request, error)
}

// AuditAppender is the subset of *audit.Ledger used by the queue.
type AuditAppender interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Queue is the durable store of actions deferred to a human.
type Queue struct {
	repo        Repository
	audit       AuditAppender
	now         func() time.Time
	idGenerator func() string
}

func NewQueue(repo Repository, ledger AuditAppender) *Queue {
	return &Queue{
		repo:        repo,
		audit:       ledger,
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) WithIDGenerator(gen func() string) *Queue {
	q.idGenerator = gen
	return q
}

// Enqueue stores req as pending and returns its id. A request whose DedupeKey
// was already enqueued returns the existing id.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	id, _, err := q.EnqueueOnce(ctx, req)
	return id, err
}

// EnqueueOnce is Enqueue that also reports whether a new row was created.
func (q *Queue) EnqueueOnce(ctx context.Context, req Request) (string, bool, error) {
	if req.ActionType == "" && req.Payload != nil {
		req.ActionType = req.Payload.ActionType()
	}
	if req.ActionType == "" {
		return "", false, fmt.Errorf("approval: missing action type")
	}
	if req.Description == "" {
		return "", false, fmt.Errorf("approval: missing description")
	}

	req.ID = q.idGenerator()
	req.Status = StatusPending
	req.ResolvedBy = ""
	req.ResolvedAt = nil
	req.ResolutionNotes = ""
	req.CreatedAt = q.now().UTC().Truncate(time.Microsecond)

	stored, created, err := q.repo.InsertApproval(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("approval: enqueue: %w", err)
	}
	return stored.ID, created, nil
}

// ListPending returns pending requests, oldest first. With excludeExpired the
// expiry is evaluated against the current clock; it is never persisted.
func (q *Queue) ListPending(ctx context.Context, excludeExpired bool) ([]Request, error) {
	now := q.now()
	var cutoff *time.Time
	if excludeExpired {
		cutoff = &now
	}
	reqs, err := q.repo.ListPendingApprovals(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	for i := range reqs {
		reqs[i].Status = reqs[i].EffectiveStatus(now)
	}
	return reqs, nil
}

// Get returns the request with its effective status.
func (q *Queue) Get(ctx context.Context, id string) (Request, error) {
	req, err := q.repo.GetApproval(ctx, id)
	if err != nil {
		return Request{}, err
	}
	req.Status = req.EffectiveStatus(q.now())
	return req, nil
}

// Resolve closes a pending request exactly once and records the decision in
// the audit ledger.
func (q *Queue) Resolve(ctx context.Context, id string, outcome Status, res Resolution) (Request, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return Request{}, ErrInvalidOutcome
	}
	if id == "" {
		return Request{}, ErrNotFound
	}

	at := q.now().UTC().Truncate(time.Microsecond)
	resolved, err := q.repo.ResolveApproval(ctx, id, outcome, res, at)
	if err != nil {
		return Request{}, err
	}

	if q.audit != nil {
		by := audit.TriggeredByUser
		if res.By == "" {
			by = audit.TriggeredBySystem
		}
		entry := audit.Entry{
			DealID:      resolved.DealID,
			Action:      audit.ActionApprovalResolved,
			Description: fmt.Sprintf("approval %s %s (%s)", resolved.ID, outcome, resolved.CheckpointType),
			Reasoning:   res.Notes,
			Context: payload.ApprovalOutcome{
				ApprovalID: resolved.ID,
				Action:     resolved.ActionType,
				Outcome:    string(outcome),
				ResolvedBy: res.By,
			},
			TriggeredBy: by,
			CreatedAt:   at,
		}
		if _, err := q.audit.Append(ctx, entry); err != nil {
			return resolved, err
		}
	}

	return resolved, nil
}
