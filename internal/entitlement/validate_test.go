package entitlement

import (
	"errors"
	"testing"

	"chatforge/internal/types"
)

func hasViolation(violations []types.Violation, code types.ViolationCode, addonID string) bool {
	for _, v := range violations {
		if v.Code == code && v.AddonID == addonID {
			return true
		}
	}
	return false
}

func TestValidate_CleanProposal(t *testing.T) {
	v := NewValidator(testCatalog(t))

	violations, err := v.Validate(types.PlanPro, types.BillingMonthly, []string{"capacity_1000", "booking"})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("clean proposal produced violations: %v", violations)
	}
}

func TestValidate_PlanGate(t *testing.T) {
	v := NewValidator(testCatalog(t))

	violations, err := v.Validate(types.PlanBasic, types.BillingMonthly, []string{"booking"})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !hasViolation(violations, types.ViolationAddonNotAllowedForPlan, "booking") {
		t.Errorf("basic+booking: violations = %v, want addon_not_allowed_for_plan", violations)
	}
}

func TestValidate_PlanGate_AllCombinations(t *testing.T) {
	// For every gated add-on and every plan below its gate, Validate must
	// reject the pairing; at or above the gate it must pass the gate check.
	cat := testCatalog(t)
	v := NewValidator(cat)

	for _, addon := range cat.Addons() {
		if addon.PlanGate == types.PlanNone {
			continue
		}
		gate, err := cat.Plan(addon.PlanGate)
		if err != nil {
			t.Fatal(err)
		}

		for _, plan := range cat.Plans() {
			violations, err := v.Validate(plan.ID, types.BillingMonthly, []string{addon.ID})
			if err != nil {
				t.Fatal(err)
			}
			gated := hasViolation(violations, types.ViolationAddonNotAllowedForPlan, addon.ID)
			if plan.Rank < gate.Rank && !gated {
				t.Errorf("%s on %s: expected gate violation, got %v", addon.ID, plan.ID, violations)
			}
			if plan.Rank >= gate.Rank && gated {
				t.Errorf("%s on %s: unexpected gate violation", addon.ID, plan.ID)
			}
		}
	}
}

func TestValidate_DuplicateAddon(t *testing.T) {
	v := NewValidator(testCatalog(t))

	violations, err := v.Validate(types.PlanPro, types.BillingMonthly,
		[]string{"capacity_1000", "capacity_1000"})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !hasViolation(violations, types.ViolationDuplicateAddon, "capacity_1000") {
		t.Errorf("violations = %v, want duplicate_addon", violations)
	}
}

func TestValidate_EnterpriseAllInclusive(t *testing.T) {
	v := NewValidator(testCatalog(t))

	violations, err := v.Validate(types.PlanEnterprise, types.BillingYearly, []string{"booking"})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !hasViolation(violations, types.ViolationAlreadyIncluded, "booking") {
		t.Errorf("violations = %v, want already_included", violations)
	}

	// Capacity add-ons are not marked as included: enterprise may still buy
	// extra capacity.
	violations, err = v.Validate(types.PlanEnterprise, types.BillingYearly, []string{"capacity_5000"})
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Errorf("enterprise + capacity_5000 rejected: %v", violations)
	}
}

func TestValidate_ReturnsAllViolations(t *testing.T) {
	v := NewValidator(testCatalog(t))

	// basic + gated addon, duplicated: both the gate violations and the
	// duplicate must be reported in one pass.
	violations, err := v.Validate(types.PlanBasic, types.BillingMonthly,
		[]string{"booking", "booking"})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	if !hasViolation(violations, types.ViolationAddonNotAllowedForPlan, "booking") {
		t.Errorf("missing gate violation: %v", violations)
	}
	if !hasViolation(violations, types.ViolationDuplicateAddon, "booking") {
		t.Errorf("missing duplicate violation: %v", violations)
	}
	if len(violations) < 3 {
		// Two gate violations (one per occurrence) plus one duplicate.
		t.Errorf("got %d violations, want at least 3: %v", len(violations), violations)
	}
}

func TestValidate_UnknownIDsAreErrors(t *testing.T) {
	v := NewValidator(testCatalog(t))

	_, err := v.Validate(types.Plan("platinum"), types.BillingMonthly, nil)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeCatalogUnknownID {
		t.Errorf("unknown plan: err = %v, want catalog_unknown_id", err)
	}

	_, err = v.Validate(types.PlanBasic, types.BillingMonthly, []string{"bogus"})
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeCatalogUnknownID {
		t.Errorf("unknown addon: err = %v, want catalog_unknown_id", err)
	}
}

func TestNewViolationError(t *testing.T) {
	violations := []types.Violation{
		{Code: types.ViolationDuplicateAddon, AddonID: "x"},
	}
	err := NewViolationError(violations)
	if err.Code != types.ErrCodeValidationRule {
		t.Errorf("Code = %s, want %s", err.Code, types.ErrCodeValidationRule)
	}
	got, ok := err.Details["violations"].([]types.Violation)
	if !ok || len(got) != 1 {
		t.Errorf("details do not carry the violations: %v", err.Details)
	}
}
