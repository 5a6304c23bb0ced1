package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"carhunter/audit"
	"carhunter/deal"
	"carhunter/lifecycle"
	"carhunter/memstore"
	"carhunter/payload"
)

func statusChanges(t *testing.T, store *memstore.Store, dealID string) []audit.Entry {
	t.Helper()
	entries, err := store.ListAudit(context.Background(), audit.Filter{DealID: dealID, Action: audit.ActionStatusChange})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func TestAttemptTransition_EveryPair(t *testing.T) {
	ctx := context.Background()
	for _, from := range lifecycle.All() {
		for _, to := range lifecycle.All() {
			store := memstore.New()
			store.PutDeal(deal.Deal{ID: "d", Status: from})
			svc := lifecycle.NewService(store)

			_, err := svc.AttemptTransition(ctx, "d", to, lifecycle.TransitionOptions{TriggeredBy: audit.TriggeredByAgent})
			got, _ := store.GetDeal(ctx, "d")
			entries := statusChanges(t, store, "d")

			if lifecycle.CanTransition(from, to) {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				if got.Status != to || len(entries) != 1 {
					t.Errorf("%s -> %s: status=%s audit=%d", from, to, got.Status, len(entries))
				}
				continue
			}
			if !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if got.Status != from || len(entries) != 0 {
				t.Errorf("%s -> %s: rejected transition changed state (status=%s audit=%d)", from, to, got.Status, len(entries))
			}
		}
	}
}

func TestAttemptTransition_AuditEntryContents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutDeal(deal.Deal{ID: "d", Status: lifecycle.StatusNegotiating})
	at := time.Date(2026, 5, 2, 8, 30, 0, 123456789, time.UTC)
	svc := lifecycle.NewService(store).WithClock(func() time.Time { return at })

	res, err := svc.AttemptTransition(ctx, "d", lifecycle.StatusOfferMade, lifecycle.TransitionOptions{
		TriggeredBy: audit.TriggeredByAgent,
		Reasoning:   "seller accepted viewing-free offer",
		EventKey:    "msg-9",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	entries := statusChanges(t, store, "d")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != res.AuditID {
		t.Errorf("result audit id %d does not match entry %d", res.AuditID, e.ID)
	}
	if e.FromState != "negotiating" || e.ToState != "offer_made" || e.TriggeredBy != audit.TriggeredByAgent {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Reasoning != "seller accepted viewing-free offer" {
		t.Errorf("unexpected reasoning %q", e.Reasoning)
	}
	sc, ok := e.Context.(payload.StatusChange)
	if !ok || sc.EventKey != "msg-9" {
		t.Errorf("unexpected context %#v", e.Context)
	}
	if bad := audit.Verify(entries); len(bad) != 0 {
		t.Errorf("digest mismatch for %v", bad)
	}

	d, _ := store.GetDeal(ctx, "d")
	if d.StatusUpdatedAt == nil || !d.StatusUpdatedAt.Equal(at.Truncate(time.Microsecond)) {
		t.Errorf("unexpected status_updated_at %v", d.StatusUpdatedAt)
	}
}

func TestAttemptTransition_EventKeyReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutDeal(deal.Deal{ID: "d", Status: lifecycle.StatusOfferMade})
	svc := lifecycle.NewService(store)
	opts := lifecycle.TransitionOptions{EventKey: "inbound-123"}

	if _, err := svc.AttemptTransition(ctx, "d", lifecycle.StatusNegotiating, opts); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	res, err := svc.AttemptTransition(ctx, "d", lifecycle.StatusNegotiating, opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Replayed {
		t.Fatalf("expected replayed result, got %+v", res)
	}
	if n := len(statusChanges(t, store, "d")); n != 1 {
		t.Fatalf("expected a single audit entry, got %d", n)
	}
}

func TestAttemptTransition_AuditFailureLeavesStatus(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutDeal(deal.Deal{ID: "d", Status: lifecycle.StatusDiscovered})
	store.FailAuditWith(errors.New("storage offline"))
	svc := lifecycle.NewService(store)

	if _, err := svc.AttemptTransition(ctx, "d", lifecycle.StatusAnalyzed, lifecycle.TransitionOptions{EventKey: "e1"}); err == nil {
		t.Fatal("expected audit failure to propagate")
	}
	d, _ := store.GetDeal(ctx, "d")
	if d.Status != lifecycle.StatusDiscovered {
		t.Fatalf("expected status unchanged, got %s", d.Status)
	}

	store.FailAuditWith(nil)
	res, err := svc.AttemptTransition(ctx, "d", lifecycle.StatusAnalyzed, lifecycle.TransitionOptions{EventKey: "e1"})
	if err != nil || res.Replayed {
		t.Fatalf("expected retry with the same key to apply, got %+v, %v", res, err)
	}
}

func TestAttemptTransition_UnknownDealAndTarget(t *testing.T) {
	ctx := context.Background()
	svc := lifecycle.NewService(memstore.New())

	if _, err := svc.AttemptTransition(ctx, "missing", lifecycle.StatusAnalyzed, lifecycle.TransitionOptions{}); !errors.Is(err, lifecycle.ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
	if _, err := svc.AttemptTransition(ctx, "missing", lifecycle.Status("sold"), lifecycle.TransitionOptions{}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAttemptTransition_ConcurrentSameDeal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutDeal(deal.Deal{ID: "d", Status: lifecycle.StatusNegotiating})
	svc := lifecycle.NewService(store)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	targets := []lifecycle.Status{lifecycle.StatusOfferMade, lifecycle.StatusRejected, lifecycle.StatusWithdrawn, lifecycle.StatusViewingScheduled}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := targets[i%len(targets)]
			_, err := svc.AttemptTransition(ctx, "d", target, lifecycle.TransitionOptions{EventKey: fmt.Sprintf("evt-%d", i)})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	entries := statusChanges(t, store, "d")
	if len(entries) != success {
		t.Fatalf("expected one audit entry per applied transition, got %d entries for %d successes", len(entries), success)
	}
	for i := len(entries) - 1; i > 0; i-- {
		older, newer := entries[i], entries[i-1]
		if older.ToState != newer.FromState {
			t.Fatalf("audit chain broken: %s -> %s then %s -> %s", older.FromState, older.ToState, newer.FromState, newer.ToState)
		}
	}
}
