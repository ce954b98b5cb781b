package usage

import (
	"fmt"

	"teachforge/pkg/domain"
)

// Admission is the outcome of a pre-flight quota check.
type Admission struct {
	Allowed      bool
	CurrentUsage int
	Limit        int
	Tier         domain.Tier
	Category     domain.Category
}

// QuotaExceededError is the terminal rejection returned when a user is out
// of quota. It carries everything the caller needs to drive an upgrade
// decision; it is a normal business outcome, not an infrastructure failure.
type QuotaExceededError struct {
	Category     domain.Category `json:"limitType"`
	CurrentUsage int             `json:"currentUsage"`
	Limit        int             `json:"limit"`
	Tier         domain.Tier     `json:"tier"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded for %s: %d/%d on tier %s", e.Category, e.CurrentUsage, e.Limit, e.Tier)
}

// CheckAdmission decides whether one more generation in a category may
// proceed. Stateless and side-effect free: it is evaluated fresh against
// the ledger aggregate on every request, so check and subsequent ledger
// write are not atomic (concurrent racers can each be admitted at the
// boundary; see the package doc for the accepted over-admission).
func CheckAdmission(tier domain.Tier, category domain.Category, currentUsage int) Admission {
	limit := LimitsFor(tier).Limit(category)
	adm := Admission{
		CurrentUsage: currentUsage,
		Limit:        limit,
		Tier:         tier,
		Category:     category,
	}
	if limit == domain.Unlimited {
		adm.Allowed = true
		return adm
	}
	adm.Allowed = currentUsage < limit
	return adm
}

// Err converts a rejected admission into its typed error. Allowed
// admissions return nil.
func (a Admission) Err() error {
	if a.Allowed {
		return nil
	}
	return &QuotaExceededError{
		Category:     a.Category,
		CurrentUsage: a.CurrentUsage,
		Limit:        a.Limit,
		Tier:         a.Tier,
	}
}
