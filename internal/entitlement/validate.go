package entitlement

import (
	"fmt"

	"chatforge/internal/catalog"
	"chatforge/internal/types"
)

// Validator decides whether a proposed (plan, billing period, add-on set)
// combination is legal under catalog rules. It never mutates state and
// returns every violation found, not just the first, so callers can present
// complete feedback in one pass.
type Validator struct {
	cat *catalog.Catalog
}

// NewValidator creates a Validator over the given catalog.
func NewValidator(cat *catalog.Catalog) *Validator {
	return &Validator{cat: cat}
}

// Validate checks the proposed state. Violations are business-rule rejections
// returned as values; the error return is reserved for unknown catalog ids,
// which are programmer/data faults rather than user feedback.
//
// Checks, in order:
//  1. every add-on's plan gate is satisfied by the proposed plan
//  2. no duplicate add-on ids
//  3. on enterprise, no add-on the tier already includes may be bought
func (v *Validator) Validate(plan types.Plan, period types.BillingPeriod, addons []string) ([]types.Violation, error) {
	planDef, err := v.cat.Plan(plan)
	if err != nil {
		return nil, err
	}
	_ = period // the billing period itself carries no validation rules today

	var violations []types.Violation

	// Check 1: plan gates.
	for _, id := range addons {
		addon, err := v.cat.Addon(id)
		if err != nil {
			return nil, err
		}
		if !v.gateSatisfied(addon, planDef) {
			violations = append(violations, types.Violation{
				Code:    types.ViolationAddonNotAllowedForPlan,
				AddonID: id,
				Plan:    plan,
				Message: fmt.Sprintf("add-on %q requires plan %s or above", id, addon.PlanGate),
			})
		}
	}

	// Check 2: duplicates.
	seen := make(map[string]bool, len(addons))
	for _, id := range addons {
		if seen[id] {
			violations = append(violations, types.Violation{
				Code:    types.ViolationDuplicateAddon,
				AddonID: id,
				Message: fmt.Sprintf("add-on %q appears more than once", id),
			})
			continue
		}
		seen[id] = true
	}

	// Check 3: enterprise is all-inclusive.
	if plan == types.PlanEnterprise {
		for _, id := range addons {
			addon, err := v.cat.Addon(id)
			if err != nil {
				return nil, err
			}
			if addon.IncludedInEnterprise {
				violations = append(violations, types.Violation{
					Code:    types.ViolationAlreadyIncluded,
					AddonID: id,
					Plan:    plan,
					Message: fmt.Sprintf("add-on %q is already included in the enterprise plan", id),
				})
			}
		}
	}

	return violations, nil
}

// gateSatisfied reports whether the plan meets the add-on's minimum tier.
func (v *Validator) gateSatisfied(addon types.AddonDefinition, plan types.PlanDefinition) bool {
	if addon.PlanGate == types.PlanNone {
		return true
	}
	gate, err := v.cat.Plan(addon.PlanGate)
	if err != nil {
		// Construction-time catalog validation rejects gates on unknown
		// plans, so this cannot happen on a well-formed catalog.
		return false
	}
	return plan.Rank >= gate.Rank
}

// NewViolationError wraps a non-empty violation list into the standard
// AppError so handlers can surface all of them in the error details.
func NewViolationError(violations []types.Violation) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationRule,
		"the proposed entitlement state violates catalog rules",
		nil,
		map[string]any{"violations": violations},
	)
}
