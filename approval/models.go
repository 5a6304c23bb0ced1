package approval

import (
	"time"

	"carhunter/payload"
)

// Status is the persisted state of an approval request. StatusExpired is never
// written; it is derived at read time from ExpiresAt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// CheckpointType names the policy check that enqueued a request.
type CheckpointType string

const (
	CheckpointOfferThreshold    CheckpointType = "offer_threshold"
	CheckpointViewingApproval   CheckpointType = "viewing_approval"
	CheckpointMaxFollowups      CheckpointType = "max_followups"
	CheckpointPortfolioExposure CheckpointType = "portfolio_exposure"
	CheckpointUnusualBehavior   CheckpointType = "unusual_behavior"
)

// Request mirrors the approval_queue table. Empty optional strings are stored
// as NULL.
type Request struct {
	ID              string
	DealID          string
	ActionType      payload.ActionType
	Description     string
	Reasoning       string
	Payload         payload.Payload
	CheckpointType  CheckpointType
	ThresholdValue  *int64
	Status          Status
	ResolvedBy      string
	ResolvedAt      *time.Time
	ResolutionNotes string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	DedupeKey       string
}

// Expired reports whether a still pending request has outlived ExpiresAt.
func (r Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// EffectiveStatus is the logical status at now.
func (r Request) EffectiveStatus(now time.Time) Status {
	if r.Expired(now) {
		return StatusExpired
	}
	return r.Status
}

// Resolution carries who closed a request and why.
type Resolution struct {
	By    string
	Notes string
}
