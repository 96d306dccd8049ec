package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"chatforge/internal/types"
)

// WidgetRepository provides data access for the widgets table.
//
// Concurrency model: the entitlement engine is pure, so per-account
// serialization happens here. Every row carries a config_version counter;
// Update only applies when the caller's version matches the stored one, and
// a mismatch surfaces as conflict_concurrent_modification so the caller can
// reload and retry.
type WidgetRepository struct {
	db DBTX
}

// NewWidgetRepository creates a new WidgetRepository backed by the given
// database connection (pool or transaction).
func NewWidgetRepository(db DBTX) *WidgetRepository {
	return &WidgetRepository{db: db}
}

// widgetColumns is the standard column set for widget queries. Scan order in
// scanWidget must match.
const widgetColumns = `id, organization_id, name,
	plan, billing_period, active_addons, messages_limit, custom_capacity,
	lifecycle_status, subscription_status, billing_period_start,
	stripe_customer_id, config_version, created_at, updated_at`

func scanWidget(row pgx.Row) (*types.Widget, error) {
	var w types.Widget
	var (
		stripeCustomerID   *string
		billingPeriodStart *time.Time
	)

	err := row.Scan(
		&w.ID,
		&w.OrganizationID,
		&w.Name,
		&w.Plan,
		&w.BillingPeriod,
		&w.ActiveAddons,
		&w.MessagesLimit,
		&w.CustomCapacity,
		&w.LifecycleStatus,
		&w.SubscriptionStatus,
		&billingPeriodStart,
		&stripeCustomerID,
		&w.ConfigVersion,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if stripeCustomerID != nil {
		w.StripeCustomerID = *stripeCustomerID
	}
	if billingPeriodStart != nil {
		w.BillingPeriodStart = *billingPeriodStart
	}
	if w.ActiveAddons == nil {
		w.ActiveAddons = []string{}
	}

	return &w, nil
}

// GetByID retrieves a widget by ID scoped to the given organization. The
// orgID parameter enforces access control at the DB level so a widget cannot
// be read across organization boundaries. Admin callers pass an empty orgID
// to skip the scope check.
func (r *WidgetRepository) GetByID(ctx context.Context, id, orgID string) (*types.Widget, error) {
	var row pgx.Row
	if orgID == "" {
		row = r.db.QueryRow(ctx,
			`SELECT `+widgetColumns+` FROM widgets WHERE id = $1 AND deleted_at IS NULL`,
			id,
		)
	} else {
		row = r.db.QueryRow(ctx,
			`SELECT `+widgetColumns+` FROM widgets
			 WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`,
			id, orgID,
		)
	}

	w, err := scanWidget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWidget, "widget not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve widget", err)
	}
	return w, nil
}

// GetByStripeCustomerID resolves a widget from its linked Stripe customer.
// Used by the webhook path, where provider events identify the widget only
// through the customer id.
func (r *WidgetRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Widget, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+widgetColumns+` FROM widgets
		 WHERE stripe_customer_id = $1 AND deleted_at IS NULL`,
		customerID,
	)

	w, err := scanWidget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWidget, "no widget linked to this customer", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve widget", err)
	}
	return w, nil
}

// Create inserts a new widget record. The caller sets the ID (prefixed UUID,
// e.g. "wgt_...") and initial entitlement state; config_version starts at 1.
func (r *WidgetRepository) Create(ctx context.Context, w *types.Widget) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO widgets (
			id, organization_id, name,
			plan, billing_period, active_addons, messages_limit, custom_capacity,
			lifecycle_status, subscription_status, billing_period_start,
			stripe_customer_id, config_version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, 1,
			NOW(), NOW()
		)`,
		w.ID,
		w.OrganizationID,
		w.Name,
		w.Plan,
		w.BillingPeriod,
		w.ActiveAddons,
		w.MessagesLimit,
		w.CustomCapacity,
		w.LifecycleStatus,
		w.SubscriptionStatus,
		nilIfZeroTime(w.BillingPeriodStart),
		nilIfEmpty(w.StripeCustomerID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create widget", err)
	}
	return nil
}

// Update persists an engine result with optimistic concurrency control.
// expectedVersion is the config_version the widget was loaded at; the update
// only applies if the stored row still carries that version, and bumps it.
//
// Returns conflict_concurrent_modification when another transition won the
// race, and not_found_widget when the row is missing or soft-deleted.
func (r *WidgetRepository) Update(ctx context.Context, w *types.Widget, expectedVersion int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE widgets SET
			name = $1,
			plan = $2,
			billing_period = $3,
			active_addons = $4,
			messages_limit = $5,
			custom_capacity = $6,
			lifecycle_status = $7,
			subscription_status = $8,
			billing_period_start = $9,
			stripe_customer_id = $10,
			config_version = config_version + 1,
			updated_at = NOW()
		 WHERE id = $11 AND config_version = $12 AND deleted_at IS NULL`,
		w.Name,
		w.Plan,
		w.BillingPeriod,
		w.ActiveAddons,
		w.MessagesLimit,
		w.CustomCapacity,
		w.LifecycleStatus,
		w.SubscriptionStatus,
		nilIfZeroTime(w.BillingPeriodStart),
		nilIfEmpty(w.StripeCustomerID),
		w.ID,
		expectedVersion,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update widget", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: distinguish a lost race from a missing widget.
	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM widgets WHERE id = $1 AND deleted_at IS NULL)`,
		w.ID,
	).Scan(&exists)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to verify widget after update conflict", err)
	}
	if !exists {
		return types.NewAppError(types.ErrCodeNotFoundWidget, "widget not found", nil)
	}
	return types.NewAppError(
		types.ErrCodeConflictConcurrent,
		"widget was modified concurrently; reload and retry",
		nil,
	)
}

// GetBillingInfo returns the widget's Stripe customer ID and the billing
// email of its owning organization. Provider linkage is not part of the
// entitlement state, so reads here are not version-checked.
func (r *WidgetRepository) GetBillingInfo(ctx context.Context, widgetID string) (string, string, error) {
	var customerID *string
	var email string
	err := r.db.QueryRow(ctx,
		`SELECT w.stripe_customer_id, o.billing_email
		 FROM widgets w
		 JOIN organizations o ON o.id = w.organization_id
		 WHERE w.id = $1 AND w.deleted_at IS NULL`,
		widgetID,
	).Scan(&customerID, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", types.NewAppError(types.ErrCodeNotFoundWidget, "widget not found", nil)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to read billing info", err)
	}
	if customerID == nil {
		return "", email, nil
	}
	return *customerID, email, nil
}

// UpdateStripeCustomerID persists the provider customer linkage. Does not
// bump config_version: linkage changes never race engine transitions.
func (r *WidgetRepository) UpdateStripeCustomerID(ctx context.Context, widgetID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE widgets SET stripe_customer_id = $1, updated_at = NOW()
		 WHERE id = $2 AND deleted_at IS NULL`,
		customerID,
		widgetID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update stripe customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWidget, "widget not found", nil)
	}
	return nil
}

// BillingEventGuard applies the out-of-order webhook guard for one widget.
// Stripe does not guarantee event ordering, so each processed billing event
// advances last_billing_event_at and older events are skipped.
type BillingEventGuard struct {
	db     DBTX
	logger *slog.Logger
}

// NewBillingEventGuard creates a guard backed by the given connection.
func NewBillingEventGuard(db DBTX, logger *slog.Logger) *BillingEventGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingEventGuard{db: db, logger: logger}
}

// Claim records the billing event timestamp for the widget. It reports false
// when the event is older than (or equal to) the last processed one, in which
// case the caller must treat the event as an idempotent no-op.
func (g *BillingEventGuard) Claim(ctx context.Context, widgetID string, eventAt time.Time) (bool, error) {
	tag, err := g.db.Exec(ctx,
		`UPDATE widgets
		 SET last_billing_event_at = $1
		 WHERE id = $2
		   AND deleted_at IS NULL
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $1)`,
		eventAt,
		widgetID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record billing event", err)
	}

	if tag.RowsAffected() == 0 {
		g.logger.Info("stale billing event ignored",
			slog.String("widget_id", widgetID),
			slog.Time("event_at", eventAt),
		)
		return false, nil
	}
	return true, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
