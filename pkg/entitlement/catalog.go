package entitlement

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Plan is the billing cadence a product identifier maps to.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanAnnual  Plan = "annual"
)

// Catalog classifies store product identifiers into plans using
// case-insensitive wildcard patterns ("*annual*", "voice_1y_*").
// Annual patterns are checked first so "annual_monthly_billing" style ids
// stay annual.
type Catalog struct {
	Monthly []string `json:"monthly"`
	Annual  []string `json:"annual"`
}

// DefaultCatalog recognizes the identifiers the mobile stores ship today.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Monthly: []string{"*monthly*", "*month*", "*_1m", "*_1m_*"},
		Annual:  []string{"*annual*", "*yearly*", "*year*", "*_1y", "*_1y_*"},
	}
}

// Classify maps productID to a plan. ok is false when no pattern matched;
// the caller decides the fallback.
func (c *Catalog) Classify(productID string) (plan Plan, ok bool) {
	if c == nil {
		c = DefaultCatalog()
	}
	id := strings.ToLower(strings.TrimSpace(productID))
	if id == "" {
		return "", false
	}
	if matchAny(c.Annual, id) {
		return PlanAnnual, true
	}
	if matchAny(c.Monthly, id) {
		return PlanMonthly, true
	}
	return "", false
}

// Clone returns a deep copy.
func (c *Catalog) Clone() *Catalog {
	if c == nil {
		return nil
	}
	return &Catalog{
		Monthly: append([]string(nil), c.Monthly...),
		Annual:  append([]string(nil), c.Annual...),
	}
}

// Empty reports whether the catalog has no patterns at all.
func (c *Catalog) Empty() bool {
	return c == nil || (len(c.Monthly) == 0 && len(c.Annual) == 0)
}

func matchAny(patterns []string, id string) bool {
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if wildcard.Match(pattern, id) {
			return true
		}
	}
	return false
}
