package governance

import (
	"context"
	"fmt"

	"carhunter/audit"
	"carhunter/negotiation"
	"carhunter/payload"
)

// AutoSendRequest asks whether a generated message may go out unattended.
type AutoSendRequest struct {
	DealID        string
	Draft         negotiation.Draft
	ProposedOffer *int64
	// WalkAwayPrice comes from the strategy collaborator; MaxOffer overrides
	// the ceiling derived from it.
	WalkAwayPrice *int64
	MaxOffer      *int64
}

// MayAutoSend runs the guard against the deal's negotiation context and, on
// block, stores the context with the draft appended and audits the block.
// The deal's context stays locked from load to save.
func (g *Governor) MayAutoSend(ctx context.Context, req AutoSendRequest) (negotiation.Decision, error) {
	limits := negotiation.LimitsFromConfig(g.cfg.Negotiation, req.WalkAwayPrice)
	limits.MaxOffer = req.MaxOffer

	var decision negotiation.Decision
	err := g.updateContext(ctx, req.DealID, func(nc *negotiation.Context) (bool, error) {
		decision = g.guard.MayAutoSend(req.Draft, req.ProposedOffer, nc, limits)
		return !decision.Allowed, nil
	})
	if err != nil {
		return negotiation.Decision{}, fmt.Errorf("governance: auto-send check: %w", err)
	}
	if decision.Allowed {
		g.log.DebugContext(ctx, "auto-send allowed", "deal_id", req.DealID)
		return decision, nil
	}

	if _, err := g.ledger.Append(ctx, audit.Entry{
		DealID:      req.DealID,
		Action:      audit.ActionDraftBlocked,
		Description: decision.Reason,
		Context:     payload.BlockedDraft{Code: string(decision.Code), Body: req.Draft.Body, ProposedOffer: req.ProposedOffer},
		TriggeredBy: audit.TriggeredByAgent,
	}); err != nil {
		return decision, err
	}

	g.log.InfoContext(ctx, "auto-send blocked", "deal_id", req.DealID, "code", decision.Code, "reason", decision.Reason)
	return decision, nil
}

// RecordMessage appends a transmitted or received message to the deal's
// negotiation history.
func (g *Governor) RecordMessage(ctx context.Context, dealID string, role negotiation.Role, text string) error {
	return g.UpdateNegotiation(ctx, dealID, func(nc *negotiation.Context) error {
		nc.Record(role, text, g.now())
		return nil
	})
}

// UpdateNegotiation applies fn to the stored context and saves the result.
func (g *Governor) UpdateNegotiation(ctx context.Context, dealID string, fn func(*negotiation.Context) error) error {
	err := g.updateContext(ctx, dealID, func(nc *negotiation.Context) (bool, error) {
		if err := fn(nc); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("governance: update negotiation context: %w", err)
	}
	return nil
}

// updateContext serializes context writers for one deal within this process;
// the store serializes them across processes.
func (g *Governor) updateContext(ctx context.Context, dealID string, fn func(*negotiation.Context) (bool, error)) error {
	unlock := g.contextLocks.Lock(dealID)
	defer unlock()
	return g.contexts.UpdateContext(ctx, dealID, fn)
}
