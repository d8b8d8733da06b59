// Package eligibility decides whether the agent should take a job.
package eligibility

import (
	"slices"

	"github.com/cockroachdb/apd/v3"
)

// AcceptTag is the tag a job must carry to be considered.
const AcceptTag = "DO"

// ShouldTake reports whether tags contain AcceptTag and amount is at
// least minAmount.
func ShouldTake(tags []string, amount, minAmount *apd.Decimal) bool {
	return Filter{Marker: AcceptTag, MinAmount: minAmount}.ShouldTake(tags, amount)
}

// Filter is ShouldTake with a configurable marker tag.
type Filter struct {
	Marker    string
	MinAmount *apd.Decimal
}

func (f Filter) ShouldTake(tags []string, amount *apd.Decimal) bool {
	if !slices.Contains(tags, f.Marker) {
		return false
	}
	if amount == nil || f.MinAmount == nil {
		return false
	}
	return amount.Cmp(f.MinAmount) >= 0
}
