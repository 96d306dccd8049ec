package entitlement

import "chatforge/internal/types"

// PlanPrice returns the price in cents for one billing period of the plan.
func PlanPrice(def types.PlanDefinition, period types.BillingPeriod) int64 {
	if period == types.BillingYearly {
		return def.YearlyPriceCents
	}
	return def.MonthlyPriceCents
}

// AddonBillingPeriod returns the cadence an add-on is actually charged on for
// a widget billed on accountPeriod. Always-monthly add-ons (every capacity
// add-on) are billed monthly even on yearly widgets; the widget's own
// billing period is unchanged.
func AddonBillingPeriod(def types.AddonDefinition, accountPeriod types.BillingPeriod) types.BillingPeriod {
	if def.BillingCadence == types.CadenceAlwaysMonthly {
		return types.BillingMonthly
	}
	return accountPeriod
}

// AddonPrice returns the price in cents that applies to the add-on for a
// widget billed on accountPeriod, honoring the add-on's billing cadence.
func AddonPrice(def types.AddonDefinition, accountPeriod types.BillingPeriod) int64 {
	if AddonBillingPeriod(def, accountPeriod) == types.BillingYearly {
		return def.YearlyPriceCents
	}
	return def.MonthlyPriceCents
}
