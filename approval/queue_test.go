package approval_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"carhunter/approval"
	"carhunter/audit"
	"carhunter/memstore"
	"carhunter/payload"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newQueue(t *testing.T) (*approval.Queue, *memstore.Store, *clock) {
	t.Helper()
	store := memstore.New()
	clk := &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	n := 0
	q := approval.NewQueue(store, audit.NewLedger(store).WithClock(clk.Now)).
		WithClock(clk.Now).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("appr-%d", n)
		})
	return q, store, clk
}

func offerRequest(amount int64) approval.Request {
	return approval.Request{
		DealID:         "deal-1",
		Description:    fmt.Sprintf("offer %d", amount),
		Payload:        payload.SendOffer{Recipient: "seller@example.com", Amount: amount},
		CheckpointType: approval.CheckpointOfferThreshold,
	}
}

func TestEnqueue_AlwaysPending(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	req := offerRequest(18000)
	req.Status = approval.StatusApproved
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != approval.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.ActionType != payload.ActionSendOffer {
		t.Fatalf("expected action type derived from payload, got %q", got.ActionType)
	}
}

func TestEnqueue_DedupeKeyReturnsExistingID(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	req := offerRequest(18000)
	req.DedupeKey = "offer_threshold:msg-1"
	first, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first != second {
		t.Fatalf("expected same id, got %s and %s", first, second)
	}
	pending, _ := q.ListPending(ctx, true)
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
}

func TestEnqueueOnce_ReportsReplay(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	req := offerRequest(18000)
	req.DedupeKey = "offer_threshold:msg-7"
	id, created, err := q.EnqueueOnce(ctx, req)
	if err != nil || !created {
		t.Fatalf("expected first enqueue to create, got created=%t err=%v", created, err)
	}
	again, created, err := q.EnqueueOnce(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || again != id {
		t.Fatalf("expected replay of %s without a new row, got %s created=%t", id, again, created)
	}
}

func TestResolveTwice(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, offerRequest(20000))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resolved, err := q.Resolve(ctx, id, approval.StatusApproved, approval.Resolution{By: "alex", Notes: "fair price"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if resolved.Status != approval.StatusApproved || resolved.ResolvedAt == nil || resolved.ResolvedBy != "alex" {
		t.Fatalf("unexpected resolution %+v", resolved)
	}

	_, err = q.Resolve(ctx, id, approval.StatusRejected, approval.Resolution{By: "sam"})
	if !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	final, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != approval.StatusApproved || final.ResolvedBy != "alex" {
		t.Fatalf("second resolve mutated request: %+v", final)
	}

	entries, _ := store.ListAudit(ctx, audit.Filter{Action: audit.ActionApprovalResolved})
	if len(entries) != 1 {
		t.Fatalf("expected exactly one resolution audit entry, got %d", len(entries))
	}
	if entries[0].TriggeredBy != audit.TriggeredByUser {
		t.Fatalf("expected user actor, got %q", entries[0].TriggeredBy)
	}
}

func TestResolve_NotFoundAndInvalidOutcome(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	if _, err := q.Resolve(ctx, "nope", approval.StatusApproved, approval.Resolution{}); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	id, _ := q.Enqueue(ctx, offerRequest(20000))
	if _, err := q.Resolve(ctx, id, approval.StatusExpired, approval.Resolution{}); !errors.Is(err, approval.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestExpiryIsComputedOnRead(t *testing.T) {
	q, store, clk := newQueue(t)
	ctx := context.Background()

	expires := clk.now.Add(time.Hour)
	req := offerRequest(20000)
	req.ExpiresAt = &expires
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fresh, err := q.Enqueue(ctx, offerRequest(21000))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clk.now = clk.now.Add(2 * time.Hour)

	live, _ := q.ListPending(ctx, true)
	if len(live) != 1 || live[0].ID != fresh {
		t.Fatalf("expected only %s when excluding expired, got %+v", fresh, live)
	}
	all, _ := q.ListPending(ctx, false)
	if len(all) != 2 {
		t.Fatalf("expected both requests without exclusion, got %d", len(all))
	}
	for _, r := range all {
		if r.ID == id && r.Status != approval.StatusExpired {
			t.Fatalf("expected effective status expired, got %s", r.Status)
		}
	}

	if _, err := q.Resolve(ctx, id, approval.StatusApproved, approval.Resolution{By: "alex"}); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	stored, _ := store.GetApproval(ctx, id)
	if stored.Status != approval.StatusPending {
		t.Fatalf("expiry must never be persisted, got %s", stored.Status)
	}
}

func TestResolve_AuditFailurePropagates(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, offerRequest(20000))

	store.FailAuditWith(errors.New("ledger offline"))
	_, err := q.Resolve(ctx, id, approval.StatusApproved, approval.Resolution{By: "alex"})
	if !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestListPending_OldestFirst(t *testing.T) {
	q, _, clk := newQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, offerRequest(int64(16000+i)))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
		clk.now = clk.now.Add(time.Minute)
	}
	pending, _ := q.ListPending(ctx, true)
	for i, r := range pending {
		if r.ID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], r.ID)
		}
	}
}

func TestRedeem_ResolvesOnce(t *testing.T) {
	q, _, clk := newQueue(t)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, offerRequest(20000))

	signer, err := approval.NewTokenSigner("review-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signer.WithClock(clk.Now)
	token, err := signer.Issue(id, approval.StatusApproved, "alex")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := q.Redeem(ctx, signer, token, "via email link")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got.Status != approval.StatusApproved || got.ResolvedBy != "alex" || got.ResolutionNotes != "via email link" {
		t.Fatalf("unexpected resolution %+v", got)
	}
	if _, err := q.Redeem(ctx, signer, token, ""); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("expected replayed link to fail with ErrAlreadyResolved, got %v", err)
	}
}
