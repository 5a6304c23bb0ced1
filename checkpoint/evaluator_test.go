package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"carhunter/approval"
	"carhunter/audit"
	"carhunter/config"
	"carhunter/deal"
	"carhunter/lifecycle"
	"carhunter/payload"
)

type fakeQueue struct {
	requests []approval.Request
	byKey    map[string]string
	err      error
}

func (q *fakeQueue) EnqueueOnce(_ context.Context, req approval.Request) (string, bool, error) {
	if q.err != nil {
		return "", false, q.err
	}
	if req.DedupeKey != "" {
		if id, ok := q.byKey[req.DedupeKey]; ok {
			return id, false, nil
		}
	}
	id := fmt.Sprintf("appr-%d", len(q.requests)+1)
	req.ID = id
	q.requests = append(q.requests, req)
	if req.DedupeKey != "" {
		if q.byKey == nil {
			q.byKey = map[string]string{}
		}
		q.byKey[req.DedupeKey] = id
	}
	return id, true, nil
}

type fakeLedger struct {
	entries []audit.Entry
	err     error
}

func (l *fakeLedger) Append(_ context.Context, e audit.Entry) (audit.Entry, error) {
	if l.err != nil {
		return audit.Entry{}, l.err
	}
	l.entries = append(l.entries, e)
	return e, nil
}

type fakeDeals struct {
	deals []deal.Deal
	asked []lifecycle.Status
}

// fakeDeals implements nothing beyond the active-set listing.
var _ deal.Reader = (*fakeDeals)(nil)

func (f *fakeDeals) ListDealsByStatus(_ context.Context, statuses []lifecycle.Status) ([]deal.Deal, error) {
	f.asked = statuses
	var out []deal.Deal
	for _, d := range f.deals {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func enabledPolicy() config.Governance {
	g := config.Default().Governance
	g.Enabled = true
	g.OfferApprovalThreshold = 15000
	g.ViewingsRequireApproval = true
	g.MaxAutoFollowups = 6
	g.PortfolioExposureAlert = 20000
	g.ApprovalTTL = 0
	return g
}

func newTestEvaluator(cfg config.Governance, deals *fakeDeals) (*Evaluator, *fakeQueue, *fakeLedger) {
	q := &fakeQueue{}
	l := &fakeLedger{}
	if deals == nil {
		deals = &fakeDeals{}
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewEvaluator(cfg, q, l, deals).WithClock(func() time.Time { return fixed }), q, l
}

func TestEvaluateOfferThreshold_InclusiveBoundary(t *testing.T) {
	ev, q, l := newTestEvaluator(enabledPolicy(), nil)
	ctx := context.Background()

	res, err := ev.EvaluateOfferThreshold(ctx, OfferProposal{DealID: "deal-1", Amount: 15000, Recipient: "seller@example.com"})
	if err != nil {
		t.Fatalf("evaluate 15000: %v", err)
	}
	if !res.RequiresApproval || res.ApprovalID == "" {
		t.Fatalf("expected 15000 to require approval, got %+v", res)
	}
	req := q.requests[0]
	if req.CheckpointType != approval.CheckpointOfferThreshold {
		t.Fatalf("unexpected checkpoint type %q", req.CheckpointType)
	}
	if req.ThresholdValue == nil || *req.ThresholdValue != 15000 {
		t.Fatalf("expected threshold value 15000, got %v", req.ThresholdValue)
	}
	offer, ok := req.Payload.(payload.SendOffer)
	if !ok || offer.Amount != 15000 || offer.Recipient != "seller@example.com" {
		t.Fatalf("unexpected payload snapshot %#v", req.Payload)
	}

	res, err = ev.EvaluateOfferThreshold(ctx, OfferProposal{DealID: "deal-1", Amount: 14999})
	if err != nil {
		t.Fatalf("evaluate 14999: %v", err)
	}
	if res.RequiresApproval {
		t.Fatalf("expected 14999 to pass, got %+v", res)
	}
	if len(q.requests) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(q.requests))
	}

	if len(l.entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(l.entries))
	}
	if l.entries[0].Action != audit.ActionCheckpointTriggered || l.entries[1].Action != audit.ActionCheckpointPassed {
		t.Fatalf("unexpected audit actions %q, %q", l.entries[0].Action, l.entries[1].Action)
	}
}

func TestEvaluatePortfolioExposure(t *testing.T) {
	deals := &fakeDeals{deals: []deal.Deal{
		{ID: "a", ListedPrice: 12000, EstimatedTotalCost: ptr(10000), Status: lifecycle.StatusNegotiating},
		{ID: "b", ListedPrice: 8000, Status: lifecycle.StatusOfferMade},
		{ID: "c", ListedPrice: 40000, Status: lifecycle.StatusContacted},
		{ID: "d", ListedPrice: 30000, Status: lifecycle.StatusPurchased},
	}}

	cases := []struct {
		name      string
		threshold int64
		wantGate  bool
	}{
		{name: "above alert", threshold: 20000, wantGate: true},
		{name: "below alert", threshold: 25000, wantGate: false},
		{name: "equal is allowed", threshold: 23000, wantGate: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := enabledPolicy()
			cfg.PortfolioExposureAlert = tc.threshold
			ev, q, _ := newTestEvaluator(cfg, deals)

			res, err := ev.EvaluatePortfolioExposure(context.Background(), ExposureProposal{DealID: "new", Amount: 5000})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.RequiresApproval != tc.wantGate {
				t.Fatalf("expected requiresApproval=%v, got %+v", tc.wantGate, res)
			}
			if !tc.wantGate {
				return
			}
			snap, ok := q.requests[0].Payload.(payload.CommitDeal)
			if !ok {
				t.Fatalf("unexpected payload %#v", q.requests[0].Payload)
			}
			if snap.CurrentExposure != 18000 || snap.ProjectedExposure != 23000 {
				t.Fatalf("expected exposure 18000 -> 23000, got %+v", snap)
			}
		})
	}
}

func TestEvaluatePortfolioExposure_SkipsProposingDeal(t *testing.T) {
	deals := &fakeDeals{deals: []deal.Deal{
		{ID: "a", ListedPrice: 10000, Status: lifecycle.StatusNegotiating},
		{ID: "b", ListedPrice: 8000, Status: lifecycle.StatusNegotiating},
	}}
	cfg := enabledPolicy()
	cfg.PortfolioExposureAlert = 20000
	ev, _, _ := newTestEvaluator(cfg, deals)

	res, err := ev.EvaluatePortfolioExposure(context.Background(), ExposureProposal{DealID: "b", Amount: 9000})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.RequiresApproval {
		t.Fatalf("expected 10000+9000 to pass, got %+v", res)
	}
}

func TestEvaluatePortfolioExposure_DefaultActiveSet(t *testing.T) {
	deals := &fakeDeals{}
	cfg := enabledPolicy()
	cfg.ActiveStatuses = nil
	ev, _, _ := newTestEvaluator(cfg, deals)

	if _, err := ev.EvaluatePortfolioExposure(context.Background(), ExposureProposal{DealID: "x", Amount: 1}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(deals.asked) != 3 {
		t.Fatalf("expected default active set, got %v", deals.asked)
	}
}

func TestEvaluateMaxFollowups(t *testing.T) {
	ev, q, _ := newTestEvaluator(enabledPolicy(), nil)
	ctx := context.Background()

	res, err := ev.EvaluateMaxFollowups(ctx, FollowupProposal{DealID: "deal-1", Count: 6})
	if err != nil {
		t.Fatalf("evaluate count 6: %v", err)
	}
	if !res.RequiresApproval {
		t.Fatalf("expected count 6 to require approval")
	}
	email, ok := q.requests[0].Payload.(payload.SendEmail)
	if !ok || email.FollowupNumber != 7 {
		t.Fatalf("expected follow-up number 7, got %#v", q.requests[0].Payload)
	}

	res, err = ev.EvaluateMaxFollowups(ctx, FollowupProposal{DealID: "deal-1", Count: 5})
	if err != nil {
		t.Fatalf("evaluate count 5: %v", err)
	}
	if res.RequiresApproval {
		t.Fatalf("expected count 5 to pass")
	}
}

func TestEvaluateViewingApproval_FlagControlsGate(t *testing.T) {
	ev, _, _ := newTestEvaluator(enabledPolicy(), nil)
	when := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	res, err := ev.EvaluateViewingApproval(context.Background(), ViewingProposal{DealID: "deal-1", ProposedTime: &when})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.RequiresApproval {
		t.Fatal("expected viewing to require approval")
	}

	cfg := enabledPolicy()
	cfg.ViewingsRequireApproval = false
	ev, q, _ := newTestEvaluator(cfg, nil)
	res, err = ev.EvaluateViewingApproval(context.Background(), ViewingProposal{DealID: "deal-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.RequiresApproval || len(q.requests) != 0 {
		t.Fatalf("expected viewing to pass when flag off, got %+v", res)
	}
}

func TestFlagUnusualBehavior_UsesDescriptionAsReasoning(t *testing.T) {
	ev, q, _ := newTestEvaluator(enabledPolicy(), nil)
	res, err := ev.FlagUnusualBehavior(context.Background(), UnusualBehavior{DealID: "deal-1", Description: "seller asked for wire transfer upfront"})
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !res.RequiresApproval {
		t.Fatal("expected unusual behavior to always require approval")
	}
	req := q.requests[0]
	if req.Reasoning != "seller asked for wire transfer upfront" {
		t.Fatalf("expected verbatim reasoning, got %q", req.Reasoning)
	}
	if req.ActionType != payload.ActionUnusual {
		t.Fatalf("unexpected action type %q", req.ActionType)
	}
}

func TestDisabledGovernanceIsSilent(t *testing.T) {
	cfg := enabledPolicy()
	cfg.Enabled = false
	deals := &fakeDeals{deals: []deal.Deal{{ID: "a", ListedPrice: 900000, Status: lifecycle.StatusNegotiating}}}
	ev, q, l := newTestEvaluator(cfg, deals)
	ctx := context.Background()

	results := make([]Result, 0, 5)
	mustEval := func(res Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		results = append(results, res)
	}
	mustEval(ev.EvaluateOfferThreshold(ctx, OfferProposal{DealID: "a", Amount: 10_000_000}))
	mustEval(ev.EvaluateViewingApproval(ctx, ViewingProposal{DealID: "a"}))
	mustEval(ev.EvaluateMaxFollowups(ctx, FollowupProposal{DealID: "a", Count: 99}))
	mustEval(ev.EvaluatePortfolioExposure(ctx, ExposureProposal{DealID: "b", Amount: 10_000_000}))
	mustEval(ev.FlagUnusualBehavior(ctx, UnusualBehavior{DealID: "a", Description: "odd"}))

	for i, res := range results {
		if res.RequiresApproval {
			t.Fatalf("check %d: expected pass-through, got %+v", i, res)
		}
	}
	if len(q.requests) != 0 {
		t.Fatalf("expected zero approval requests, got %d", len(q.requests))
	}
	if len(l.entries) != 0 {
		t.Fatalf("expected zero audit entries, got %d", len(l.entries))
	}
	if deals.asked != nil {
		t.Fatal("expected no deal reads while disabled")
	}
}

func TestEventKeyDeduplicatesPerCheckpoint(t *testing.T) {
	ev, q, l := newTestEvaluator(enabledPolicy(), nil)
	ctx := context.Background()
	p := OfferProposal{DealID: "deal-1", Amount: 20000, EventKey: "msg-42"}

	first, err := ev.EvaluateOfferThreshold(ctx, p)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := ev.EvaluateOfferThreshold(ctx, p)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ApprovalID != second.ApprovalID {
		t.Fatalf("expected same approval id, got %q and %q", first.ApprovalID, second.ApprovalID)
	}
	if len(q.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(q.requests))
	}
	if q.requests[0].DedupeKey != "offer_threshold:msg-42" {
		t.Fatalf("unexpected dedupe key %q", q.requests[0].DedupeKey)
	}
	triggered := 0
	for _, e := range l.entries {
		if e.Action == audit.ActionCheckpointTriggered {
			triggered++
		}
	}
	if triggered != 1 {
		t.Fatalf("expected the replay to leave one checkpoint_triggered entry, got %d", triggered)
	}
}

func TestApprovalTTLSetsExpiry(t *testing.T) {
	cfg := enabledPolicy()
	cfg.ApprovalTTL = 48 * time.Hour
	ev, q, _ := newTestEvaluator(cfg, nil)

	if _, err := ev.EvaluateViewingApproval(context.Background(), ViewingProposal{DealID: "deal-1"}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	if got := q.requests[0].ExpiresAt; got == nil || !got.Equal(want) {
		t.Fatalf("expected expiry %s, got %v", want, got)
	}
}

func TestStorageErrorsPropagate(t *testing.T) {
	ev, q, l := newTestEvaluator(enabledPolicy(), nil)
	q.err = errors.New("queue down")
	if _, err := ev.EvaluateOfferThreshold(context.Background(), OfferProposal{Amount: 20000}); err == nil {
		t.Fatal("expected enqueue error")
	}

	q.err = nil
	l.err = audit.ErrUnavailable
	res, err := ev.EvaluateOfferThreshold(context.Background(), OfferProposal{Amount: 20000})
	if !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected audit error, got %v", err)
	}
	if !res.RequiresApproval || res.ApprovalID == "" {
		t.Fatalf("expected the parked request to be reported, got %+v", res)
	}
}

func ptr(v int64) *int64 { return &v }
