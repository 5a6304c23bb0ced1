package audit

import (
	"time"

	"carhunter/payload"
)

// TriggeredBy names who caused an audited action.
type TriggeredBy string

const (
	TriggeredBySystem TriggeredBy = "system"
	TriggeredByUser   TriggeredBy = "user"
	TriggeredByAgent  TriggeredBy = "agent"
)

// Valid reports whether t is one of the known actors.
func (t TriggeredBy) Valid() bool {
	switch t {
	case TriggeredBySystem, TriggeredByUser, TriggeredByAgent:
		return true
	default:
		return false
	}
}

const (
	ActionStatusChange        = "status_change"
	ActionCheckpointTriggered = "checkpoint_triggered"
	ActionCheckpointPassed    = "checkpoint_passed"
	ActionApprovalResolved    = "approval_resolved"
	ActionDraftBlocked        = "draft_blocked"
)

// Entry is one immutable row of the audit_log table. Empty optional strings
// are stored as NULL.
type Entry struct {
	ID          int64
	DealID      string
	Action      string
	FromState   string
	ToState     string
	Description string
	Reasoning   string
	Context     payload.Payload
	TriggeredBy TriggeredBy
	CreatedAt   time.Time
	Digest      string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	DealID string
	Action string
	Limit  int
}
