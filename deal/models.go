package deal

import (
	"time"

	"carhunter/lifecycle"
)

// Deal mirrors the columns of the deals table that governance reads. The
// orchestrator owns the row; governance only writes status and timestamps.
type Deal struct {
	ID                 string
	Title              string
	ListingURL         string
	ListedPrice        int64
	NegotiatedPrice    *int64
	EstimatedTotalCost *int64
	Status             lifecycle.Status
	StatusUpdatedAt    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExposureCost is the amount this deal contributes to portfolio exposure: the
// cost breakdown total when one was computed, the listed price otherwise.
func (d Deal) ExposureCost() int64 {
	if d.EstimatedTotalCost != nil {
		return *d.EstimatedTotalCost
	}
	return d.ListedPrice
}
