package negotiation

import (
	"time"
)

// Stage is a caller-set tag that only moves forward. The guard reads it but
// never advances it.
type Stage string

const (
	StageInitial    Stage = "initial"
	StageCountering Stage = "countering"
	StageFinal      Stage = "final"
	StageAccepted   Stage = "accepted"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Message is one entry of the conversation history. Drafts are buyer messages
// that were blocked by the guard and never transmitted.
type Message struct {
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Draft     bool      `json:"draft,omitempty"`
	Label     string    `json:"label,omitempty"`
}

// Context is the per-deal working state of a negotiation. It is stored as an
// opaque blob; nothing outside this package interprets it.
type Context struct {
	Stage               Stage     `json:"stage"`
	ConversationHistory []Message `json:"conversation_history"`
	CurrentOffer        *int64    `json:"current_offer,omitempty"`
	OurLastOffer        *int64    `json:"our_last_offer,omitempty"`
	DealerConcessions   []string  `json:"dealer_concessions,omitempty"`
}

// NewContext returns an empty context in the initial stage.
func NewContext() *Context {
	return &Context{Stage: StageInitial, ConversationHistory: []Message{}}
}

// Record appends a transmitted or received message.
func (c *Context) Record(role Role, text string, at time.Time) {
	c.ConversationHistory = append(c.ConversationHistory, Message{Role: role, Message: text, Timestamp: at.UTC()})
}

// Drafts returns the unsent drafts awaiting a human, oldest first.
func (c *Context) Drafts() []Message {
	var out []Message
	for _, m := range c.ConversationHistory {
		if m.Draft {
			out = append(out, m)
		}
	}
	return out
}

// Draft is a message produced by the external generator.
type Draft struct {
	Body             string
	Escalate         bool
	EscalationReason string
}

// Limits bound what the guard lets through without a human.
type Limits struct {
	MaxExchanges int
	// MaxOffer overrides the walk-away derived ceiling when set.
	MaxOffer      *int64
	WalkAwayPrice *int64
	// MaxOfferFraction of the walk-away price; 0 means DefaultMaxOfferFraction.
	MaxOfferFraction float64
}

const (
	DefaultMaxExchanges     = 6
	DefaultMaxOfferFraction = 0.95
)

// BlockCode classifies why a draft was held back.
type BlockCode string

const (
	BlockEscalation   BlockCode = "escalation"
	BlockMaxExchanges BlockCode = "max_exchanges"
	BlockMaxOffer     BlockCode = "max_offer"
	BlockFinalStage   BlockCode = "final_stage"
)

// Decision is the guard verdict. Reason and Code are empty when Allowed.
type Decision struct {
	Allowed bool
	Code    BlockCode
	Reason  string
}
