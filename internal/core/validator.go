package core

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatforge/internal/types"
)

// Validator wraps go-playground/validator to register domain-specific rules
// and translate field errors into the platform's AppError shape.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	// plan_id: a known plan tier identifier. Catalog membership is checked
	// by the engine; this tag only guards the value shape.
	_ = v.RegisterValidation("plan_id", func(fl validator.FieldLevel) bool {
		switch types.Plan(fl.Field().String()) {
		case types.PlanBasic, types.PlanPro, types.PlanEnterprise:
			return true
		}
		return false
	})

	// billing_period: monthly or yearly.
	_ = v.RegisterValidation("billing_period", func(fl validator.FieldLevel) bool {
		switch types.BillingPeriod(fl.Field().String()) {
		case types.BillingMonthly, types.BillingYearly:
			return true
		}
		return false
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates a request DTO against its struct tags. On failure
// it returns a *types.AppError with code validation_missing_required_field
// and a per-field breakdown in Details.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the caller passed a non-struct.
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation received a non-struct value",
			err,
		)
	}

	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[strings.ToLower(fe.Field())] = describeFieldError(fe)
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		map[string]any{"fields": fields},
	)
}

// describeFieldError renders a single field error as a client-safe message.
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "plan_id":
		return "must be a known plan tier"
	case "billing_period":
		return "must be monthly or yearly"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed validation rule %q", fe.Tag())
	}
}
