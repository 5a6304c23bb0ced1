package deal

import "testing"

func TestExposureCostPrefersBreakdown(t *testing.T) {
	total := int64(11250)
	d := Deal{ListedPrice: 10000, EstimatedTotalCost: &total}
	if got := d.ExposureCost(); got != 11250 {
		t.Fatalf("expected cost breakdown total, got %d", got)
	}
	d.EstimatedTotalCost = nil
	if got := d.ExposureCost(); got != 10000 {
		t.Fatalf("expected listed price fallback, got %d", got)
	}
}
