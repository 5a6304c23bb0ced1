// Package governance is the single entry point the orchestrator calls. It
// wires the lifecycle service, checkpoint evaluator, approval queue, audit
// ledger and negotiation guard from one injected configuration value.
package governance

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/approval"
	"carhunter/audit"
	"carhunter/checkpoint"
	"carhunter/config"
	"carhunter/deal"
	"carhunter/keylock"
	"carhunter/lifecycle"
	"carhunter/memstore"
	"carhunter/negotiation"
)

// Stores groups the storage dependencies of a Governor.
type Stores struct {
	Lifecycle lifecycle.Store
	Audit     audit.Store
	Approvals approval.Repository
	Deals     deal.Reader
	Contexts  negotiation.ContextStore
}

// PostgresStores builds every store on one pgx pool.
func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Lifecycle: lifecycle.NewPGStore(pool),
		Audit:     audit.NewRepository(pool),
		Approvals: approval.NewRepository(pool),
		Deals:     deal.NewRepository(pool),
		Contexts:  negotiation.NewPGContextStore(pool),
	}
}

// MemoryStores backs every store with the same in-memory store.
func MemoryStores(s *memstore.Store) Stores {
	return Stores{Lifecycle: s, Audit: s, Approvals: s, Deals: s, Contexts: s}
}

// Option customizes a Governor.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Governor exposes the governance operations to the orchestrator.
type Governor struct {
	cfg       config.Config
	lifecycle *lifecycle.Service
	ledger    *audit.Ledger
	queue     *approval.Queue
	checks    *checkpoint.Evaluator
	guard     *negotiation.Guard
	contexts  negotiation.ContextStore
	// contextLocks guards negotiation context read-modify-write per deal.
	contextLocks *keylock.Map
	log          *slog.Logger
	now          func() time.Time
}

func New(cfg config.Config, stores Stores, opts ...Option) *Governor {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ledger := audit.NewLedger(stores.Audit).WithClock(o.now)
	queue := approval.NewQueue(stores.Approvals, ledger).WithClock(o.now)
	return &Governor{
		cfg:          cfg,
		lifecycle:    lifecycle.NewService(stores.Lifecycle).WithClock(o.now),
		ledger:       ledger,
		queue:        queue,
		checks:       checkpoint.NewEvaluator(cfg.Governance, queue, ledger, stores.Deals).WithClock(o.now),
		guard:        negotiation.NewGuard().WithClock(o.now),
		contexts:     stores.Contexts,
		contextLocks: keylock.New(),
		log:          o.logger.With("component", "governance"),
		now:          o.now,
	}
}

// Queue returns the approval queue for review tooling.
func (g *Governor) Queue() *approval.Queue { return g.queue }

// Ledger returns the audit ledger for display and reconciliation.
func (g *Governor) Ledger() *audit.Ledger { return g.ledger }

func (g *Governor) Config() config.Config { return g.cfg }

// AttemptTransition validates and applies a deal status change.
func (g *Governor) AttemptTransition(ctx context.Context, dealID string, target lifecycle.Status, opts lifecycle.TransitionOptions) (lifecycle.Result, error) {
	res, err := g.lifecycle.AttemptTransition(ctx, dealID, target, opts)
	if err != nil {
		g.log.WarnContext(ctx, "transition refused", "deal_id", dealID, "target", target, "err", err)
		return res, err
	}
	if res.Replayed {
		g.log.InfoContext(ctx, "transition replay ignored", "deal_id", dealID, "target", target, "event_key", opts.EventKey)
		return res, nil
	}
	g.log.InfoContext(ctx, "transition applied", "deal_id", dealID, "from", res.From, "to", res.To, "audit_id", res.AuditID)
	return res, nil
}

func (g *Governor) EvaluateOfferThreshold(ctx context.Context, p checkpoint.OfferProposal) (checkpoint.Result, error) {
	res, err := g.checks.EvaluateOfferThreshold(ctx, p)
	g.logCheckpoint(ctx, "offer_threshold", p.DealID, res, err)
	return res, err
}

func (g *Governor) EvaluateViewingApproval(ctx context.Context, p checkpoint.ViewingProposal) (checkpoint.Result, error) {
	res, err := g.checks.EvaluateViewingApproval(ctx, p)
	g.logCheckpoint(ctx, "viewing_approval", p.DealID, res, err)
	return res, err
}

func (g *Governor) EvaluateMaxFollowups(ctx context.Context, p checkpoint.FollowupProposal) (checkpoint.Result, error) {
	res, err := g.checks.EvaluateMaxFollowups(ctx, p)
	g.logCheckpoint(ctx, "max_followups", p.DealID, res, err)
	return res, err
}

func (g *Governor) EvaluatePortfolioExposure(ctx context.Context, p checkpoint.ExposureProposal) (checkpoint.Result, error) {
	res, err := g.checks.EvaluatePortfolioExposure(ctx, p)
	g.logCheckpoint(ctx, "portfolio_exposure", p.DealID, res, err)
	return res, err
}

func (g *Governor) FlagUnusualBehavior(ctx context.Context, u checkpoint.UnusualBehavior) (checkpoint.Result, error) {
	res, err := g.checks.FlagUnusualBehavior(ctx, u)
	g.logCheckpoint(ctx, "unusual_behavior", u.DealID, res, err)
	return res, err
}

func (g *Governor) logCheckpoint(ctx context.Context, name, dealID string, res checkpoint.Result, err error) {
	switch {
	case err != nil:
		g.log.ErrorContext(ctx, "checkpoint failed", "checkpoint", name, "deal_id", dealID, "err", err)
	case !g.checks.Enabled():
		g.log.DebugContext(ctx, "checkpoint skipped, governance disabled", "checkpoint", name, "deal_id", dealID)
	case res.RequiresApproval:
		g.log.InfoContext(ctx, "checkpoint parked action", "checkpoint", name, "deal_id", dealID, "approval_id", res.ApprovalID, "reason", res.Reason)
	default:
		g.log.DebugContext(ctx, "checkpoint passed", "checkpoint", name, "deal_id", dealID, "reason", res.Reason)
	}
}

// ListPendingApprovals returns pending requests oldest first.
func (g *Governor) ListPendingApprovals(ctx context.Context, excludeExpired bool) ([]approval.Request, error) {
	return g.queue.ListPending(ctx, excludeExpired)
}

// ResolveApproval closes a pending request exactly once.
func (g *Governor) ResolveApproval(ctx context.Context, id string, outcome approval.Status, res approval.Resolution) (approval.Request, error) {
	req, err := g.queue.Resolve(ctx, id, outcome, res)
	if err != nil {
		g.log.WarnContext(ctx, "approval resolution failed", "approval_id", id, "outcome", outcome, "err", err)
		return req, err
	}
	g.log.InfoContext(ctx, "approval resolved", "approval_id", id, "outcome", outcome, "resolved_by", res.By)
	return req, nil
}
