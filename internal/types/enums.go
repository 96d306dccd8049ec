package types

// Plan identifies the subscription tier for a widget.
type Plan string

const (
	// PlanNone means the widget has not selected a plan yet.
	PlanNone       Plan = ""
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// BillingPeriod is the cadence the widget's base subscription is billed on.
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// LifecycleStatus is the provisioning state of a widget account.
type LifecycleStatus string

const (
	LifecycleNew      LifecycleStatus = "new"
	LifecyclePending  LifecycleStatus = "pending"
	LifecycleActive   LifecycleStatus = "active"
	LifecycleInactive LifecycleStatus = "inactive"
)

// SubscriptionStatus is the state of the widget's payment subscription.
type SubscriptionStatus string

const (
	SubStatusNone       SubscriptionStatus = "none"
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusCancelling SubscriptionStatus = "cancelling"
	SubStatusCancelled  SubscriptionStatus = "cancelled"
	SubStatusFailed     SubscriptionStatus = "failed"
)

// AccountState is the combined lifecycle/subscription state the transition
// engine reasons about. It is derived, never stored.
type AccountState string

const (
	StateNoPlan             AccountState = "no_plan"
	StatePendingSelection   AccountState = "pending_selection"
	StateActiveUnsubscribed AccountState = "active_unsubscribed"
	StateActiveSubscribed   AccountState = "active_subscribed"
	StateCancelling         AccountState = "cancelling"
	StateCancelled          AccountState = "cancelled"
)

// BillingCadence controls which price column applies to an add-on.
type BillingCadence string

const (
	// CadenceFollowsAccount bills the add-on on the widget's own period.
	CadenceFollowsAccount BillingCadence = "follows_account"
	// CadenceAlwaysMonthly bills the add-on monthly even on yearly widgets.
	// Every capacity add-on uses this cadence.
	CadenceAlwaysMonthly BillingCadence = "always_monthly"
)

// CheckoutKind distinguishes the provider sessions the host must create.
type CheckoutKind string

const (
	CheckoutSetup        CheckoutKind = "setup"
	CheckoutSubscription CheckoutKind = "subscription"
	CheckoutAddon        CheckoutKind = "addon"
)

// ViolationCode categorizes entitlement rule rejections.
type ViolationCode string

const (
	ViolationAddonNotAllowedForPlan ViolationCode = "addon_not_allowed_for_plan"
	ViolationDuplicateAddon         ViolationCode = "duplicate_addon"
	ViolationAlreadyIncluded        ViolationCode = "already_included"
)
