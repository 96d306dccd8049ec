package entitlement

import (
	"fmt"
	"time"

	"chatforge/internal/catalog"
	"chatforge/internal/types"
)

// PlanChange classifies a plan change by catalog rank.
type PlanChange string

const (
	PlanChangeUpgrade   PlanChange = "upgrade"
	PlanChangeDowngrade PlanChange = "downgrade"
)

// Result is the outcome of a transition: the new widget value plus the
// outbound instructions the host must execute. The engine itself performs no
// I/O; persisting the widget and running the effects is the caller's job.
type Result struct {
	Widget  types.Widget
	Effects []types.SideEffect

	// PlanChange is set by ChangePlan only.
	PlanChange PlanChange
}

// Engine is the state machine governing plan and add-on transitions.
// It is stateless apart from the immutable catalog, so a single Engine is
// safely shared across concurrent requests for different widgets. For a
// single widget the host must serialize transitions (the repository's
// optimistic version check enforces this on write).
type Engine struct {
	cat       *catalog.Catalog
	validator *Validator
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine creates an Engine over the given catalog.
func NewEngine(cat *catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		cat:       cat,
		validator: NewValidator(cat),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SelectPlan puts a widget onto a plan for the first time, or re-selects
// after a subscription has lapsed. Add-ons never carry over through plan
// selection; the caller must re-request them once the subscription is live.
//
// Legal from: no_plan, active_unsubscribed.
// Emits: a checkout instruction (setup on first selection, subscription on
// re-selection). Activation itself arrives later via the provider webhook.
func (e *Engine) SelectPlan(w types.Widget, plan types.Plan, period types.BillingPeriod) (Result, error) {
	state := w.State()
	if state != types.StateNoPlan && state != types.StateActiveUnsubscribed {
		return Result{}, types.NewInvalidTransitionError(state, "selectPlan")
	}

	violations, err := e.validator.Validate(plan, period, nil)
	if err != nil {
		return Result{}, err
	}
	if len(violations) > 0 {
		return Result{}, NewViolationError(violations)
	}

	checkoutKind := types.CheckoutSubscription
	if state == types.StateNoPlan {
		checkoutKind = types.CheckoutSetup
	}

	w.Plan = plan
	w.BillingPeriod = period
	w.ActiveAddons = nil
	if w.LifecycleStatus == types.LifecycleNew || w.LifecycleStatus == "" {
		w.LifecycleStatus = types.LifecyclePending
	}
	w.BillingPeriodStart = e.now()

	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}

	return Result{
		Widget:  w,
		Effects: []types.SideEffect{types.CheckoutEffect(w.ID, checkoutKind, plan, period)},
	}, nil
}

// ChangePlan moves an actively subscribed widget to a different plan. Either
// direction cancels the existing subscription and starts a fresh checkout;
// proration is delegated entirely to the payment collaborator. Add-ons that
// the new plan does not permit, and add-ons the enterprise tier already
// includes, are dropped with a cancel instruction each, never silently kept.
//
// Legal from: active_subscribed. The widget sits in cancelling until the new
// checkout completes, which keeps a second change from starting while one is
// in flight.
func (e *Engine) ChangePlan(w types.Widget, newPlan types.Plan) (Result, error) {
	state := w.State()
	if state != types.StateActiveSubscribed {
		return Result{}, types.NewInvalidTransitionError(state, "changePlan")
	}

	newDef, err := e.cat.Plan(newPlan)
	if err != nil {
		return Result{}, err
	}
	oldDef, err := e.cat.Plan(w.Plan)
	if err != nil {
		return Result{}, err
	}
	if newPlan == w.Plan {
		return Result{}, types.NewAppError(
			types.ErrCodeTransitionInvalid,
			fmt.Sprintf("widget is already on plan %s", newPlan),
			nil,
		)
	}

	change := PlanChangeDowngrade
	if newDef.Rank > oldDef.Rank {
		change = PlanChangeUpgrade
	}

	var retained []string
	var dropped []string
	for _, id := range w.ActiveAddons {
		addon, err := e.cat.Addon(id)
		if err != nil {
			return Result{}, err
		}
		keep := e.validator.gateSatisfied(addon, newDef)
		if newPlan == types.PlanEnterprise && addon.IncludedInEnterprise {
			keep = false
		}
		if keep {
			retained = append(retained, id)
		} else {
			dropped = append(dropped, id)
		}
	}

	w.Plan = newPlan
	w.ActiveAddons = retained
	w.SubscriptionStatus = types.SubStatusCancelling

	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}

	effects := []types.SideEffect{types.CancelSubscriptionEffect(w.ID)}
	for _, id := range dropped {
		effects = append(effects, types.CancelAddonEffect(w.ID, id, false))
	}
	effects = append(effects, types.CheckoutEffect(w.ID, types.CheckoutSubscription, newPlan, w.BillingPeriod))

	return Result{Widget: w, Effects: effects, PlanChange: change}, nil
}

// AddAddon activates an add-on on a subscribed widget.
//
// Legal from: active_subscribed, and only when the add-on is not already
// active. The emitted checkout instruction carries the cadence the add-on is
// actually charged on: capacity add-ons bill monthly even on yearly widgets.
func (e *Engine) AddAddon(w types.Widget, addonID string) (Result, error) {
	state := w.State()
	if state != types.StateActiveSubscribed {
		return Result{}, types.NewInvalidTransitionError(state, "addAddon")
	}

	addon, err := e.cat.Addon(addonID)
	if err != nil {
		return Result{}, err
	}
	if w.HasAddon(addonID) {
		return Result{}, types.NewAppError(
			types.ErrCodeConflictAddonPresent,
			fmt.Sprintf("add-on %q is already active", addonID),
			nil,
		)
	}

	proposed := make([]string, 0, len(w.ActiveAddons)+1)
	proposed = append(proposed, w.ActiveAddons...)
	proposed = append(proposed, addonID)

	violations, err := e.validator.Validate(w.Plan, w.BillingPeriod, proposed)
	if err != nil {
		return Result{}, err
	}
	if len(violations) > 0 {
		return Result{}, NewViolationError(violations)
	}

	w.ActiveAddons = proposed
	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}

	effect := types.AddonCheckoutEffect(w.ID, addonID, AddonBillingPeriod(addon, w.BillingPeriod))
	return Result{Widget: w, Effects: []types.SideEffect{effect}}, nil
}

// RemoveAddon deactivates an active add-on. Whether the cancellation takes
// hold immediately or at period end is a caller-supplied policy flag recorded
// on the instruction; no refund math happens here.
func (e *Engine) RemoveAddon(w types.Widget, addonID string, atPeriodEnd bool) (Result, error) {
	if _, err := e.cat.Addon(addonID); err != nil {
		return Result{}, err
	}
	if !w.HasAddon(addonID) {
		return Result{}, types.NewAppError(
			types.ErrCodeConflictAddonNotPresent,
			fmt.Sprintf("add-on %q is not active", addonID),
			nil,
		)
	}

	remaining := make([]string, 0, len(w.ActiveAddons)-1)
	for _, id := range w.ActiveAddons {
		if id != addonID {
			remaining = append(remaining, id)
		}
	}
	w.ActiveAddons = remaining

	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}

	effect := types.CancelAddonEffect(w.ID, addonID, atPeriodEnd)
	return Result{Widget: w, Effects: []types.SideEffect{effect}}, nil
}

// GrantCustomCapacity applies a manually granted capacity increment outside
// the catalog. Administrative-only; legal in any state. At most one grant may
// be active at a time.
func (e *Engine) GrantCustomCapacity(w types.Widget, amount int) (Result, error) {
	if amount <= 0 {
		return Result{}, types.NewAppError(
			types.ErrCodeValidationCapacity,
			"custom capacity grant must be positive",
			nil,
		)
	}
	if w.CustomCapacity != 0 {
		return Result{}, types.NewAppErrorWithDetails(
			types.ErrCodeTransitionGrantActive,
			"a custom capacity grant is already active; revoke it first",
			nil,
			map[string]any{"active_grant": w.CustomCapacity},
		)
	}

	w.CustomCapacity = amount
	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}
	return Result{Widget: w}, nil
}

// RevokeCustomCapacity removes the active grant. Because the limit is always
// recomputed from the full state, revocation subtracts exactly the granted
// amount; there is no independently re-derived delta to drift from.
func (e *Engine) RevokeCustomCapacity(w types.Widget) (Result, error) {
	if w.CustomCapacity == 0 {
		return Result{}, types.NewAppError(
			types.ErrCodeTransitionNoGrant,
			"no custom capacity grant is active",
			nil,
		)
	}

	w.CustomCapacity = 0
	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}
	return Result{Widget: w}, nil
}

// ConfirmSubscription records the provider's confirmation that a checkout
// completed. Invoked by the webhook host path, never directly by users.
//
// Legal from: pending_selection, active_unsubscribed, cancelling (the second
// half of a plan change).
func (e *Engine) ConfirmSubscription(w types.Widget, at time.Time) (Result, error) {
	state := w.State()
	switch state {
	case types.StatePendingSelection, types.StateActiveUnsubscribed, types.StateCancelling:
		// legal
	default:
		return Result{}, types.NewInvalidTransitionError(state, "confirmSubscription")
	}

	w.LifecycleStatus = types.LifecycleActive
	w.SubscriptionStatus = types.SubStatusActive
	w.BillingPeriodStart = at.UTC()

	if err := e.recompute(&w); err != nil {
		return Result{}, err
	}

	return Result{
		Widget:  w,
		Effects: []types.SideEffect{types.NotifyActivationEffect(w.ID, w.Plan)},
	}, nil
}

// MarkSubscriptionCancelled records the provider-side termination of the
// subscription. The widget keeps its plan for display, loses nothing until
// an explicit re-selection, and can only leave cancelled through SelectPlan
// after an administrative reactivation.
func (e *Engine) MarkSubscriptionCancelled(w types.Widget) (Result, error) {
	state := w.State()
	if state != types.StateActiveSubscribed && state != types.StateCancelling {
		return Result{}, types.NewInvalidTransitionError(state, "markSubscriptionCancelled")
	}

	w.SubscriptionStatus = types.SubStatusCancelled
	w.LifecycleStatus = types.LifecycleInactive
	return Result{Widget: w}, nil
}

// MarkPaymentFailed records a failed renewal. The widget stays on its plan
// but is no longer subscribed; the host decides grace periods and dunning.
func (e *Engine) MarkPaymentFailed(w types.Widget) (Result, error) {
	state := w.State()
	if state != types.StateActiveSubscribed && state != types.StateCancelling {
		return Result{}, types.NewInvalidTransitionError(state, "markPaymentFailed")
	}

	w.SubscriptionStatus = types.SubStatusFailed
	return Result{Widget: w}, nil
}

// recompute refreshes MessagesLimit from the widget's full entitlement state.
// A widget that has never selected a plan has no base capacity; only a custom
// grant counts.
func (e *Engine) recompute(w *types.Widget) error {
	if w.Plan == types.PlanNone {
		w.MessagesLimit = w.CustomCapacity
		return nil
	}
	limit, err := ComputeMessagesLimit(e.cat, w.Plan, w.ActiveAddons, w.CustomCapacity)
	if err != nil {
		return err
	}
	w.MessagesLimit = limit
	return nil
}
