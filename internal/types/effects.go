package types

// SideEffectKind identifies one of the outbound instructions the transition
// engine emits. The engine never performs I/O itself; it hands these plain
// values back to the host, which maps them to provider calls and owns retry
// and backoff policy.
type SideEffectKind string

const (
	// EffectCheckout instructs the host to create a provider checkout
	// session for the widget's base subscription.
	EffectCheckout SideEffectKind = "requires_checkout"
	// EffectAddonCheckout instructs the host to create a checkout session
	// for a single add-on.
	EffectAddonCheckout SideEffectKind = "requires_addon_checkout"
	// EffectCancelSubscription instructs the host to cancel the widget's
	// current base subscription at the provider.
	EffectCancelSubscription SideEffectKind = "cancel_current_subscription"
	// EffectCancelAddon instructs the host to cancel one add-on subscription.
	EffectCancelAddon SideEffectKind = "cancel_addon_subscription"
	// EffectNotifyActivation instructs the host to fire the activation
	// notification webhook.
	EffectNotifyActivation SideEffectKind = "notify_activation"
)

// SideEffect is a single outbound instruction. Fields beyond Kind are
// populated per kind; the struct serializes directly onto the dispatch queue.
type SideEffect struct {
	Kind     SideEffectKind `json:"kind"`
	WidgetID string         `json:"widget_id"`

	// Checkout fields
	CheckoutKind  CheckoutKind  `json:"checkout_kind,omitempty"`
	Plan          Plan          `json:"plan,omitempty"`
	BillingPeriod BillingPeriod `json:"billing_period,omitempty"`

	// Add-on fields
	AddonID string `json:"addon_id,omitempty"`

	// EffectiveAtPeriodEnd is a caller-supplied policy flag for add-on
	// removal: recorded here, never computed by the engine.
	EffectiveAtPeriodEnd bool `json:"effective_at_period_end,omitempty"`
}

// CheckoutEffect builds a base-subscription checkout instruction.
func CheckoutEffect(widgetID string, kind CheckoutKind, plan Plan, period BillingPeriod) SideEffect {
	return SideEffect{
		Kind:          EffectCheckout,
		WidgetID:      widgetID,
		CheckoutKind:  kind,
		Plan:          plan,
		BillingPeriod: period,
	}
}

// AddonCheckoutEffect builds an add-on checkout instruction. Capacity add-ons
// are always billed monthly, so the period recorded here is the cadence the
// add-on is actually charged on, not necessarily the widget's own period.
func AddonCheckoutEffect(widgetID, addonID string, period BillingPeriod) SideEffect {
	return SideEffect{
		Kind:          EffectAddonCheckout,
		WidgetID:      widgetID,
		CheckoutKind:  CheckoutAddon,
		AddonID:       addonID,
		BillingPeriod: period,
	}
}

// CancelSubscriptionEffect builds a base-subscription cancel instruction.
func CancelSubscriptionEffect(widgetID string) SideEffect {
	return SideEffect{Kind: EffectCancelSubscription, WidgetID: widgetID}
}

// CancelAddonEffect builds an add-on cancel instruction.
func CancelAddonEffect(widgetID, addonID string, atPeriodEnd bool) SideEffect {
	return SideEffect{
		Kind:                 EffectCancelAddon,
		WidgetID:             widgetID,
		AddonID:              addonID,
		EffectiveAtPeriodEnd: atPeriodEnd,
	}
}

// NotifyActivationEffect builds an activation notification instruction. The
// plan rides along so the executor does not need a widget lookup.
func NotifyActivationEffect(widgetID string, plan Plan) SideEffect {
	return SideEffect{Kind: EffectNotifyActivation, WidgetID: widgetID, Plan: plan}
}
