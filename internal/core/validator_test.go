package core

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"chatforge/internal/types"
)

type planChangeDTO struct {
	PlanID        string `json:"plan_id" validate:"required,plan_id"`
	BillingPeriod string `json:"billing_period" validate:"required,billing_period"`
}

type capacityGrantDTO struct {
	MessageLimit int `json:"message_limit" validate:"required,min=1"`
}

func testValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func fieldMessages(t *testing.T, err error) map[string]any {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Fatalf("code = %s", appErr.Code)
	}
	fields, ok := appErr.Details["fields"].(map[string]any)
	if !ok {
		t.Fatalf("details missing fields map: %#v", appErr.Details)
	}
	return fields
}

func TestValidateStruct_Valid(t *testing.T) {
	v := testValidator(t)
	dto := planChangeDTO{PlanID: "pro", BillingPeriod: "yearly"}
	if err := v.ValidateStruct(dto); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateStruct_PlanIDTag(t *testing.T) {
	v := testValidator(t)

	for _, plan := range []string{"basic", "pro", "enterprise"} {
		dto := planChangeDTO{PlanID: plan, BillingPeriod: "monthly"}
		if err := v.ValidateStruct(dto); err != nil {
			t.Errorf("plan %q rejected: %v", plan, err)
		}
	}

	dto := planChangeDTO{PlanID: "platinum", BillingPeriod: "monthly"}
	err := v.ValidateStruct(dto)
	if err == nil {
		t.Fatal("unknown plan accepted")
	}
	fields := fieldMessages(t, err)
	if _, ok := fields["planid"]; !ok {
		t.Errorf("plan_id violation not reported: %v", fields)
	}
}

func TestValidateStruct_BillingPeriodTag(t *testing.T) {
	v := testValidator(t)
	dto := planChangeDTO{PlanID: "basic", BillingPeriod: "weekly"}
	err := v.ValidateStruct(dto)
	if err == nil {
		t.Fatal("invalid billing period accepted")
	}
	fields := fieldMessages(t, err)
	if got := fields["billingperiod"]; got != "must be monthly or yearly" {
		t.Errorf("billing period message = %v", got)
	}
}

func TestValidateStruct_RequiredAndMin(t *testing.T) {
	v := testValidator(t)

	err := v.ValidateStruct(planChangeDTO{})
	if err == nil {
		t.Fatal("empty DTO accepted")
	}
	fields := fieldMessages(t, err)
	if len(fields) != 2 {
		t.Errorf("expected both fields reported, got %v", fields)
	}

	err = v.ValidateStruct(capacityGrantDTO{MessageLimit: -5})
	if err == nil {
		t.Fatal("negative limit accepted")
	}
	fields = fieldMessages(t, err)
	if got := fields["messagelimit"]; got != "must be at least 1" {
		t.Errorf("min message = %v", got)
	}
}

func TestValidateStruct_NonStruct(t *testing.T) {
	v := testValidator(t)
	err := v.ValidateStruct("not a struct")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("non-struct input: got %v", err)
	}
}
