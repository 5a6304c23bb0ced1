// Package negotiation gates autonomously generated negotiation messages
// before they can be sent.
package negotiation

import (
	"fmt"
	"math"
	"time"

	"carhunter/config"
)

// DraftLabel marks history entries the guard held back.
const DraftLabel = "unsent_draft"

// Guard decides whether a drafted message may be sent unattended.
type Guard struct {
	now func() time.Time
}

func NewGuard() *Guard {
	return &Guard{now: time.Now}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// LimitsFromConfig builds per-deal limits from the configured defaults and
// the walk-away price supplied by the strategy collaborator.
func LimitsFromConfig(cfg config.Negotiation, walkAway *int64) Limits {
	return Limits{
		MaxExchanges:     cfg.MaxExchanges,
		WalkAwayPrice:    walkAway,
		MaxOfferFraction: cfg.MaxOfferFraction,
	}
}

// EffectiveMaxOffer returns the offer ceiling. ok is false when neither an
// override nor a walk-away price is known.
func (l Limits) EffectiveMaxOffer() (ceiling int64, ok bool) {
	if l.MaxOffer != nil {
		return *l.MaxOffer, true
	}
	if l.WalkAwayPrice == nil {
		return 0, false
	}
	fraction := l.MaxOfferFraction
	if fraction <= 0 {
		fraction = DefaultMaxOfferFraction
	}
	return int64(math.Round(float64(*l.WalkAwayPrice) * fraction)), true
}

func (l Limits) maxExchanges() int {
	if l.MaxExchanges <= 0 {
		return DefaultMaxExchanges
	}
	return l.MaxExchanges
}

// MayAutoSend evaluates the draft against the limits, first match wins:
// generator escalation, exchange count, offer ceiling, closing stage. A
// blocked draft is appended to c as a labelled unsent buyer message.
func (g *Guard) MayAutoSend(d Draft, proposedOffer *int64, c *Context, limits Limits) Decision {
	if c == nil {
		c = NewContext()
	}
	decision := evaluate(d, proposedOffer, c, limits)
	if !decision.Allowed {
		c.ConversationHistory = append(c.ConversationHistory, Message{
			Role:      RoleBuyer,
			Message:   d.Body,
			Timestamp: g.now().UTC(),
			Draft:     true,
			Label:     fmt.Sprintf("%s: %s", DraftLabel, decision.Code),
		})
	}
	return decision
}

func evaluate(d Draft, proposedOffer *int64, c *Context, limits Limits) Decision {
	if d.Escalate {
		return Decision{Code: BlockEscalation, Reason: d.EscalationReason}
	}

	if limit := limits.maxExchanges(); len(c.ConversationHistory) >= limit {
		return Decision{
			Code:   BlockMaxExchanges,
			Reason: fmt.Sprintf("conversation reached %d exchanges (limit %d)", len(c.ConversationHistory), limit),
		}
	}

	if proposedOffer != nil {
		ceiling, ok := limits.EffectiveMaxOffer()
		if !ok {
			return Decision{Code: BlockMaxOffer, Reason: "no walk-away price known for offer"}
		}
		if *proposedOffer > ceiling {
			return Decision{
				Code:   BlockMaxOffer,
				Reason: fmt.Sprintf("offer %d exceeds max offer %d", *proposedOffer, ceiling),
			}
		}
	}

	if c.Stage == StageFinal || c.Stage == StageAccepted {
		return Decision{Code: BlockFinalStage, Reason: fmt.Sprintf("negotiation is in %s stage", c.Stage)}
	}

	return Decision{Allowed: true}
}
