package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType keys the payload union. It is also the action_type column of
// approval_queue rows.
type ActionType string

const (
	ActionSendOffer       ActionType = "send_offer"
	ActionScheduleViewing ActionType = "schedule_viewing"
	ActionSendEmail       ActionType = "send_email"
	ActionCommitDeal      ActionType = "commit_deal"
	ActionStatusChange    ActionType = "status_change"
	ActionUnusual         ActionType = "unusual_behavior"
	ActionApprovalOutcome ActionType = "approval_outcome"
	ActionBlockedDraft    ActionType = "blocked_draft"
)

// ErrEmptyEnvelope is returned when decoding a blob without an action_type.
var ErrEmptyEnvelope = errors.New("payload: missing action_type")

// Payload is a snapshot of an intended action, detailed enough to replay it
// once a human approves.
type Payload interface {
	ActionType() ActionType
}

// SendOffer is a monetary offer message to a seller.
type SendOffer struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	Amount    int64  `json:"amount"`
}

func (SendOffer) ActionType() ActionType { return ActionSendOffer }

// ScheduleViewing proposes an in-person viewing or test drive.
type ScheduleViewing struct {
	Recipient    string     `json:"recipient"`
	ProposedTime *time.Time `json:"proposed_time,omitempty"`
	Location     string     `json:"location,omitempty"`
	Body         string     `json:"body,omitempty"`
}

func (ScheduleViewing) ActionType() ActionType { return ActionScheduleViewing }

// SendEmail is a plain outbound message, typically a follow-up.
type SendEmail struct {
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	FollowupNumber int    `json:"followup_number,omitempty"`
}

func (SendEmail) ActionType() ActionType { return ActionSendEmail }

// CommitDeal records the exposure math behind adding a deal to the active set.
type CommitDeal struct {
	Amount            int64 `json:"amount"`
	CurrentExposure   int64 `json:"current_exposure"`
	ProjectedExposure int64 `json:"projected_exposure"`
	Threshold         int64 `json:"threshold"`
}

func (CommitDeal) ActionType() ActionType { return ActionCommitDeal }

// StatusChange is the context snapshot of a lifecycle transition.
type StatusChange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	EventKey string `json:"event_key,omitempty"`
}

func (StatusChange) ActionType() ActionType { return ActionStatusChange }

// ApprovalOutcome is the context snapshot of a human decision on a request.
type ApprovalOutcome struct {
	ApprovalID string     `json:"approval_id"`
	Action     ActionType `json:"action"`
	Outcome    string     `json:"outcome"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

func (ApprovalOutcome) ActionType() ActionType { return ActionApprovalOutcome }

// BlockedDraft is a generated message the auto-send gate held back.
type BlockedDraft struct {
	Code          string `json:"code"`
	Body          string `json:"body"`
	ProposedOffer *int64 `json:"proposed_offer,omitempty"`
}

func (BlockedDraft) ActionType() ActionType { return ActionBlockedDraft }

// Generic carries action types this build does not know about.
type Generic struct {
	Type   string         `json:"-"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (g Generic) ActionType() ActionType {
	if g.Type == "" {
		return ActionUnusual
	}
	return ActionType(g.Type)
}

type envelope struct {
	ActionType ActionType      `json:"action_type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes p as {"action_type": ..., "data": ...}. A nil payload
// encodes as JSON null.
func Marshal(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var (
		data []byte
		err  error
	)
	if g, ok := p.(Generic); ok {
		data, err = json.Marshal(g.Fields)
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("payload: marshal %s: %w", p.ActionType(), err)
	}
	return json.Marshal(envelope{ActionType: p.ActionType(), Data: data})
}

// Unmarshal decodes an envelope produced by Marshal. Unknown action types
// decode into Generic.
func Unmarshal(raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("payload: decode envelope: %w", err)
	}
	if env.ActionType == "" {
		return nil, ErrEmptyEnvelope
	}

	switch env.ActionType {
	case ActionSendOffer:
		return decode[SendOffer](env)
	case ActionScheduleViewing:
		return decode[ScheduleViewing](env)
	case ActionSendEmail:
		return decode[SendEmail](env)
	case ActionCommitDeal:
		return decode[CommitDeal](env)
	case ActionStatusChange:
		return decode[StatusChange](env)
	case ActionApprovalOutcome:
		return decode[ApprovalOutcome](env)
	case ActionBlockedDraft:
		return decode[BlockedDraft](env)
	default:
		g := Generic{Type: string(env.ActionType)}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			// json.Number keeps integers past 2^53 byte-identical on re-encode
			dec := json.NewDecoder(bytes.NewReader(env.Data))
			dec.UseNumber()
			if err := dec.Decode(&g.Fields); err != nil {
				return nil, fmt.Errorf("payload: decode %s: %w", env.ActionType, err)
			}
		}
		return g, nil
	}
}

func decode[T Payload](env envelope) (Payload, error) {
	var v T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("payload: decode %s: %w", env.ActionType, err)
		}
	}
	return v, nil
}
