// Package checkpoint holds the policy checks that decide whether an
// agent-proposed action must be parked for a human before it runs.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"carhunter/approval"
	"carhunter/audit"
	"carhunter/config"
	"carhunter/deal"
	"carhunter/payload"
)

// Enqueuer is the subset of *approval.Queue used by the evaluator.
type Enqueuer interface {
	EnqueueOnce(ctx context.Context, req approval.Request) (id string, created bool, err error)
}

// AuditAppender is the subset of *audit.Ledger used by the evaluator.
type AuditAppender interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Result is the outcome of one checkpoint evaluation.
type Result struct {
	RequiresApproval bool
	ApprovalID       string
	Reason           string
}

// Evaluator runs the five checkpoints against an injected policy.
type Evaluator struct {
	cfg   config.Governance
	queue Enqueuer
	audit AuditAppender
	deals deal.Reader
	now   func() time.Time
}

func NewEvaluator(cfg config.Governance, queue Enqueuer, ledger AuditAppender, deals deal.Reader) *Evaluator {
	return &Evaluator{
		cfg:   cfg,
		queue: queue,
		audit: ledger,
		deals: deals,
		now:   time.Now,
	}
}

func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Enabled reports whether checkpoints are enforced at all.
func (e *Evaluator) Enabled() bool {
	return e.cfg.Enabled
}

// park enqueues req as a pending approval and records the decision. The
// event key, when present, is scoped by checkpoint type so one inbound event
// can legitimately trip several checkpoints.
func (e *Evaluator) park(ctx context.Context, req approval.Request, eventKey string) (Result, error) {
	now := e.now().UTC()
	if e.cfg.ApprovalTTL > 0 {
		expires := now.Add(e.cfg.ApprovalTTL).Truncate(time.Microsecond)
		req.ExpiresAt = &expires
	}
	if eventKey != "" {
		req.DedupeKey = fmt.Sprintf("%s:%s", req.CheckpointType, eventKey)
	}

	id, created, err := e.queue.EnqueueOnce(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: %s: %w", req.CheckpointType, err)
	}
	res := Result{RequiresApproval: true, ApprovalID: id, Reason: req.Description}
	if !created {
		// replayed event: the original trigger is already in the ledger
		return res, nil
	}

	if err := e.record(ctx, audit.ActionCheckpointTriggered, req.DealID, req.Description, req.Reasoning, req.Payload); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Evaluator) pass(ctx context.Context, dealID, reason string, p payload.Payload) (Result, error) {
	if err := e.record(ctx, audit.ActionCheckpointPassed, dealID, reason, "", p); err != nil {
		return Result{}, err
	}
	return Result{Reason: reason}, nil
}

func (e *Evaluator) record(ctx context.Context, action, dealID, description, reasoning string, p payload.Payload) error {
	if e.audit == nil {
		return nil
	}
	_, err := e.audit.Append(ctx, audit.Entry{
		DealID:      dealID,
		Action:      action,
		Description: description,
		Reasoning:   reasoning,
		Context:     p,
		TriggeredBy: audit.TriggeredBySystem,
		CreatedAt:   e.now(),
	})
	return err
}

func int64Ptr(v int64) *int64 {
	return &v
}
