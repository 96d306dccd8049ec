// Package entitlement implements the commercial state engine for widgets:
// capacity derivation, plan/add-on rule validation, and the transition
// operations that move a widget between lifecycle states. Everything in this
// package is a pure function over fully loaded values; persistence and
// provider calls live with the host, which receives side-effect descriptors
// to execute.
package entitlement

import (
	"chatforge/internal/catalog"
	"chatforge/internal/types"
)

// ComputeMessagesLimit derives the effective message-capacity budget for a
// widget from its plan, active add-ons, and any custom grant:
//
//	limit = plan base capacity + sum of add-on capacities + custom capacity
//
// This function is the single source of truth for capacity math. Transitions
// always recompute the limit from the full state instead of applying +/-
// deltas per toggle, so repeated add/remove cycles cannot drift.
func ComputeMessagesLimit(cat *catalog.Catalog, plan types.Plan, activeAddons []string, customCapacity int) (int, error) {
	if customCapacity < 0 {
		return 0, types.NewAppError(
			types.ErrCodeValidationCapacity,
			"custom capacity must not be negative",
			nil,
		)
	}

	planDef, err := cat.Plan(plan)
	if err != nil {
		return 0, err
	}

	limit := planDef.BaseCapacity
	for _, id := range activeAddons {
		addon, err := cat.Addon(id)
		if err != nil {
			return 0, err
		}
		limit += addon.Capacity
	}

	return limit + customCapacity, nil
}
