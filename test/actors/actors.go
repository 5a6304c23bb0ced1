package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"carhunter/approval"
	"carhunter/checkpoint"
	"carhunter/governance"
	"carhunter/lifecycle"
	"carhunter/negotiation"
)

// Stats tallies outcomes across all actors. Unexpected errors are counted,
// not returned: chaos kills backends mid transaction and the oracles, not the
// actors, decide whether the store stayed consistent.
type Stats struct {
	Transitions atomic.Int64
	Replays     atomic.Int64
	Rejected    atomic.Int64
	Enqueued    atomic.Int64
	Resolved    atomic.Int64
	LostRaces   atomic.Int64
	Blocked     atomic.Int64
	Unexpected  atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("transitions=%d replays=%d rejected=%d enqueued=%d resolved=%d lost_races=%d blocked=%d unexpected=%d",
		s.Transitions.Load(), s.Replays.Load(), s.Rejected.Load(), s.Enqueued.Load(),
		s.Resolved.Load(), s.LostRaces.Load(), s.Blocked.Load(), s.Unexpected.Load())
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	t := time.NewTimer(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func pick[T any](xs []T) T {
	return xs[rand.Intn(len(xs))]
}

// Transitioner fires random status changes at random deals. Event keys are
// drawn from a small pool so the same inbound event is regularly replayed.
func Transitioner(ctx context.Context, gov *governance.Governor, dealIDs []string, stats *Stats, stop <-chan struct{}) error {
	statuses := lifecycle.All()
	for pause(ctx, stop, 5, 20) {
		opts := lifecycle.TransitionOptions{Reasoning: "stress"}
		if rand.Intn(2) == 0 {
			opts.EventKey = fmt.Sprintf("evt-%d", rand.Intn(500))
		}
		res, err := gov.AttemptTransition(ctx, pick(dealIDs), pick(statuses), opts)
		switch {
		case err == nil && res.Replayed:
			stats.Replays.Add(1)
		case err == nil:
			stats.Transitions.Add(1)
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			stats.Rejected.Add(1)
		case ctx.Err() != nil:
			return nil
		default:
			stats.Unexpected.Add(1)
		}
	}
	return nil
}

// Proposer submits offers over the approval threshold. Several proposers
// share event keys so dedupe is contended.
func Proposer(ctx context.Context, gov *governance.Governor, dealIDs []string, stats *Stats, stop <-chan struct{}) error {
	threshold := gov.Config().Governance.OfferApprovalThreshold
	for pause(ctx, stop, 10, 30) {
		dealID := pick(dealIDs)
		res, err := gov.EvaluateOfferThreshold(ctx, checkpoint.OfferProposal{
			DealID:    dealID,
			Amount:    threshold + int64(rand.Intn(5000)),
			Recipient: "seller@example.com",
			Body:      "Would you take this?",
			EventKey:  fmt.Sprintf("offer-%s-%d", dealID, rand.Intn(20)),
		})
		switch {
		case err == nil && res.RequiresApproval:
			stats.Enqueued.Add(1)
		case err == nil:
		case ctx.Err() != nil:
			return nil
		default:
			stats.Unexpected.Add(1)
		}
	}
	return nil
}

// Resolver races other resolvers for the oldest pending requests.
func Resolver(ctx context.Context, gov *governance.Governor, name string, stats *Stats, stop <-chan struct{}) error {
	outcomes := []approval.Status{approval.StatusApproved, approval.StatusRejected}
	for pause(ctx, stop, 10, 40) {
		pending, err := gov.ListPendingApprovals(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			stats.Unexpected.Add(1)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		target := pending[rand.Intn(min(len(pending), 3))]
		_, err = gov.ResolveApproval(ctx, target.ID, pick(outcomes), approval.Resolution{By: name})
		switch {
		case err == nil:
			stats.Resolved.Add(1)
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrExpired):
			stats.LostRaces.Add(1)
		case ctx.Err() != nil:
			return nil
		default:
			stats.Unexpected.Add(1)
		}
	}
	return nil
}

// Negotiator grows negotiation histories and asks the auto-send gate about
// drafts. Negotiators share a few hot deals so context writes collide.
func Negotiator(ctx context.Context, gov *governance.Governor, dealIDs []string, stats *Stats, stop <-chan struct{}) error {
	walkAway := int64(20000)
	hot := dealIDs[:min(len(dealIDs), 4)]
	for pause(ctx, stop, 10, 30) {
		dealID := pick(hot)
		if err := gov.RecordMessage(ctx, dealID, negotiation.RoleSeller, "Lowest I can do is the listed price."); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			stats.Unexpected.Add(1)
			continue
		}
		offer := int64(15000 + rand.Intn(6000))
		decision, err := gov.MayAutoSend(ctx, governance.AutoSendRequest{
			DealID:        dealID,
			Draft:         negotiation.Draft{Body: fmt.Sprintf("We could do %d.", offer)},
			ProposedOffer: &offer,
			WalkAwayPrice: &walkAway,
		})
		switch {
		case err == nil && !decision.Allowed:
			stats.Blocked.Add(1)
		case err == nil:
		case ctx.Err() != nil:
			return nil
		default:
			stats.Unexpected.Add(1)
		}
	}
	return nil
}
