// Package opportunity holds the normalized view of a discovered bookable
// slot and the short-TTL cache that collapses duplicate upstream fetches.
package opportunity

import (
	"fmt"
	"sort"
	"time"
)

// Target identifies one upstream availability query. Tasks with the same
// target share cached results.
type Target struct {
	WarehouseID  int64
	SupplyType   string
	DeliveryType string
	DateFrom     time.Time
	DateTo       time.Time
}

func (t Target) CacheKey() string {
	return fmt.Sprintf("slots:%d:%s:%s:%s:%s",
		t.WarehouseID, t.SupplyType, t.DeliveryType,
		t.DateFrom.Format("2006-01-02"), t.DateTo.Format("2006-01-02"))
}

// Opportunity is one discovered bookable unit.
type Opportunity struct {
	WarehouseID int64
	Date        time.Time
	Slot        string // e.g. "09:00-12:00"
	Coefficient float64
	Quota       int
}

// Key identifies the opportunity for claim deduplication.
func (o Opportunity) Key() string {
	return fmt.Sprintf("%d|%s|%s", o.WarehouseID, o.Date.Format("2006-01-02"), o.Slot)
}

// Filter returns the opportunities a task qualifies for: acceptable
// coefficient and remaining quota, cheapest first.
func Filter(opps []Opportunity, maxCoefficient float64) []Opportunity {
	var out []Opportunity
	for _, o := range opps {
		if o.Coefficient <= maxCoefficient && o.Quota > 0 {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coefficient < out[j].Coefficient })
	return out
}
