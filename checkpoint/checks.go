package checkpoint

import (
	"context"
	"fmt"
	"time"

	"carhunter/approval"
	"carhunter/config"
	"carhunter/payload"
)

// OfferProposal is a monetary offer the agent wants to send.
type OfferProposal struct {
	DealID    string
	Amount    int64
	Recipient string
	Subject   string
	Body      string
	Reasoning string
	EventKey  string
}

// ViewingProposal is a request to book an in-person viewing.
type ViewingProposal struct {
	DealID       string
	Recipient    string
	ProposedTime *time.Time
	Location     string
	Body         string
	Reasoning    string
	EventKey     string
}

// FollowupProposal is an automatic follow-up email. Count is the number of
// follow-ups already sent for the deal.
type FollowupProposal struct {
	DealID    string
	Count     int
	Recipient string
	Subject   string
	Body      string
	Reasoning string
	EventKey  string
}

// ExposureProposal commits Amount to a deal not yet counted as active.
type ExposureProposal struct {
	DealID    string
	Amount    int64
	Reasoning string
	EventKey  string
}

// UnusualBehavior is a free-text report from the orchestrator. Payload is
// optional; a Generic snapshot is stored when nil.
type UnusualBehavior struct {
	DealID      string
	Description string
	Payload     payload.Payload
	EventKey    string
}

// EvaluateOfferThreshold parks offers at or above the configured threshold.
func (e *Evaluator) EvaluateOfferThreshold(ctx context.Context, p OfferProposal) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}
	threshold := e.cfg.OfferApprovalThreshold
	snapshot := payload.SendOffer{Recipient: p.Recipient, Subject: p.Subject, Body: p.Body, Amount: p.Amount}

	if p.Amount < threshold {
		return e.pass(ctx, p.DealID, fmt.Sprintf("offer %d below approval threshold %d", p.Amount, threshold), snapshot)
	}
	return e.park(ctx, approval.Request{
		DealID:         p.DealID,
		Description:    fmt.Sprintf("offer %d meets approval threshold %d", p.Amount, threshold),
		Reasoning:      p.Reasoning,
		Payload:        snapshot,
		CheckpointType: approval.CheckpointOfferThreshold,
		ThresholdValue: int64Ptr(threshold),
	}, p.EventKey)
}

// EvaluateViewingApproval parks every viewing while viewings require approval.
func (e *Evaluator) EvaluateViewingApproval(ctx context.Context, p ViewingProposal) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}
	snapshot := payload.ScheduleViewing{Recipient: p.Recipient, ProposedTime: p.ProposedTime, Location: p.Location, Body: p.Body}

	if !e.cfg.ViewingsRequireApproval {
		return e.pass(ctx, p.DealID, "viewings do not require approval", snapshot)
	}
	desc := "viewing requires approval"
	if p.ProposedTime != nil {
		desc = fmt.Sprintf("viewing at %s requires approval", p.ProposedTime.UTC().Format(time.RFC3339))
	}
	return e.park(ctx, approval.Request{
		DealID:         p.DealID,
		Description:    desc,
		Reasoning:      p.Reasoning,
		Payload:        snapshot,
		CheckpointType: approval.CheckpointViewingApproval,
	}, p.EventKey)
}

// EvaluateMaxFollowups parks the next follow-up once Count reaches the cap.
func (e *Evaluator) EvaluateMaxFollowups(ctx context.Context, p FollowupProposal) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}
	limit := e.cfg.MaxAutoFollowups
	next := p.Count + 1
	snapshot := payload.SendEmail{Recipient: p.Recipient, Subject: p.Subject, Body: p.Body, FollowupNumber: next}

	if p.Count < limit {
		return e.pass(ctx, p.DealID, fmt.Sprintf("follow-up %d within limit %d", next, limit), snapshot)
	}
	return e.park(ctx, approval.Request{
		DealID:         p.DealID,
		Description:    fmt.Sprintf("follow-up #%d exceeds %d automatic follow-ups", next, limit),
		Reasoning:      p.Reasoning,
		Payload:        snapshot,
		CheckpointType: approval.CheckpointMaxFollowups,
		ThresholdValue: int64Ptr(int64(limit)),
	}, p.EventKey)
}

// EvaluatePortfolioExposure parks commitments that push the summed cost of
// active deals strictly above the alert threshold. The proposing deal is
// excluded from the active sum so its amount is never counted twice.
func (e *Evaluator) EvaluatePortfolioExposure(ctx context.Context, p ExposureProposal) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}
	statuses := e.cfg.ActiveStatuses
	if len(statuses) == 0 {
		statuses = config.DefaultActiveStatuses()
	}

	active, err := e.deals.ListDealsByStatus(ctx, statuses)
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: portfolio exposure: %w", err)
	}
	var current int64
	for _, d := range active {
		if d.ID == p.DealID {
			continue
		}
		current += d.ExposureCost()
	}

	threshold := e.cfg.PortfolioExposureAlert
	projected := current + p.Amount
	snapshot := payload.CommitDeal{
		Amount:            p.Amount,
		CurrentExposure:   current,
		ProjectedExposure: projected,
		Threshold:         threshold,
	}

	if projected <= threshold {
		return e.pass(ctx, p.DealID, fmt.Sprintf("exposure %d within alert threshold %d", projected, threshold), snapshot)
	}
	return e.park(ctx, approval.Request{
		DealID:         p.DealID,
		Description:    fmt.Sprintf("portfolio exposure %d exceeds alert threshold %d", projected, threshold),
		Reasoning:      p.Reasoning,
		Payload:        snapshot,
		CheckpointType: approval.CheckpointPortfolioExposure,
		ThresholdValue: int64Ptr(threshold),
	}, p.EventKey)
}

// FlagUnusualBehavior always parks; the description becomes the reasoning.
func (e *Evaluator) FlagUnusualBehavior(ctx context.Context, u UnusualBehavior) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}
	if u.Description == "" {
		return Result{}, fmt.Errorf("checkpoint: unusual behavior: missing description")
	}
	snapshot := u.Payload
	if snapshot == nil {
		snapshot = payload.Generic{
			Type:   string(payload.ActionUnusual),
			Fields: map[string]any{"description": u.Description},
		}
	}
	return e.park(ctx, approval.Request{
		DealID:         u.DealID,
		ActionType:     payload.ActionUnusual,
		Description:    "unusual behavior flagged",
		Reasoning:      u.Description,
		Payload:        snapshot,
		CheckpointType: approval.CheckpointUnusualBehavior,
	}, u.EventKey)
}
