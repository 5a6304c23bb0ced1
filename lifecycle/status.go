package lifecycle

import "fmt"

// Status is the lifecycle state of a deal. Ordering is defined only by the
// transition table, never by the string value.
type Status string

const (
	StatusDiscovered       Status = "discovered"
	StatusAnalyzed         Status = "analyzed"
	StatusContacted        Status = "contacted"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusNegotiating      Status = "negotiating"
	StatusViewingScheduled Status = "viewing_scheduled"
	StatusInspected        Status = "inspected"
	StatusOfferMade        Status = "offer_made"
	StatusPurchased        Status = "purchased"
	StatusRejected         Status = "rejected"
	StatusWithdrawn        Status = "withdrawn"
)

// transitions lists the allowed successors of every status. Self-transitions
// are intentionally absent.
var transitions = map[Status][]Status{
	StatusDiscovered:       {StatusAnalyzed, StatusRejected},
	StatusAnalyzed:         {StatusContacted, StatusRejected},
	StatusContacted:        {StatusAwaitingResponse, StatusRejected, StatusWithdrawn},
	StatusAwaitingResponse: {StatusNegotiating, StatusRejected, StatusWithdrawn},
	StatusNegotiating:      {StatusViewingScheduled, StatusOfferMade, StatusRejected, StatusWithdrawn},
	StatusViewingScheduled: {StatusInspected, StatusRejected, StatusWithdrawn},
	StatusInspected:        {StatusOfferMade, StatusRejected},
	StatusOfferMade:        {StatusPurchased, StatusNegotiating, StatusRejected, StatusWithdrawn},
	StatusPurchased:        {},
	StatusRejected:         {},
	StatusWithdrawn:        {},
}

// All returns every status in table order.
func All() []Status {
	return []Status{
		StatusDiscovered,
		StatusAnalyzed,
		StatusContacted,
		StatusAwaitingResponse,
		StatusNegotiating,
		StatusViewingScheduled,
		StatusInspected,
		StatusOfferMade,
		StatusPurchased,
		StatusRejected,
		StatusWithdrawn,
	}
}

// Valid reports whether s is a member of the enum.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Allowed returns a copy of the successor set of from.
func Allowed(from Status) []Status {
	next := transitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("lifecycle: unknown status %q", raw)
	}
	return s, nil
}
