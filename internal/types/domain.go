package types

import (
	"time"
)

// Widget is the core domain entity: one customer's chatbot configuration and
// its commercial entitlements. The entitlement engine receives a fully loaded
// Widget, returns a new value, and the host persists it atomically.
type Widget struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`

	// Entitlements
	Plan           Plan          `json:"plan" db:"plan"`
	BillingPeriod  BillingPeriod `json:"billing_period" db:"billing_period"`
	ActiveAddons   []string      `json:"active_addons" db:"active_addons"`
	MessagesLimit  int           `json:"messages_limit" db:"messages_limit"`
	CustomCapacity int           `json:"custom_capacity" db:"custom_capacity"`

	// Lifecycle
	LifecycleStatus    LifecycleStatus    `json:"lifecycle_status" db:"lifecycle_status"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	BillingPeriodStart time.Time          `json:"billing_period_start" db:"billing_period_start"`

	// Provider linkage
	StripeCustomerID string `json:"-" db:"stripe_customer_id"`

	// Optimistic concurrency marker. Every persisted transition bumps this;
	// a stale write fails with conflict_concurrent_modification.
	ConfigVersion int `json:"-" db:"config_version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasAddon reports whether the add-on id is currently active on the widget.
func (w *Widget) HasAddon(id string) bool {
	for _, a := range w.ActiveAddons {
		if a == id {
			return true
		}
	}
	return false
}

// State derives the transition-engine state from the stored status pair.
//
// The mapping is total: any status combination the engine can produce maps to
// exactly one state, and unknown combinations collapse to the most restrictive
// interpretation (no_plan) so illegal operations fail closed.
func (w *Widget) State() AccountState {
	switch w.SubscriptionStatus {
	case SubStatusActive:
		return StateActiveSubscribed
	case SubStatusCancelling:
		return StateCancelling
	case SubStatusCancelled:
		return StateCancelled
	}

	// No live subscription: distinguish by lifecycle.
	switch {
	case w.Plan == PlanNone:
		return StateNoPlan
	case w.LifecycleStatus == LifecycleNew || w.LifecycleStatus == LifecyclePending:
		return StatePendingSelection
	default:
		return StateActiveUnsubscribed
	}
}

// PlanDefinition is catalog reference data for one subscription tier.
// Loaded once at startup and read-only for the life of the process.
type PlanDefinition struct {
	ID                Plan  `json:"id"`
	BaseCapacity      int   `json:"base_capacity"`
	MonthlyPriceCents int64 `json:"monthly_price_cents"`
	YearlyPriceCents  int64 `json:"yearly_price_cents"`

	// Rank orders tiers for upgrade/downgrade classification.
	Rank int `json:"rank"`
}

// AddonDefinition is catalog reference data for one add-on.
type AddonDefinition struct {
	ID                string         `json:"id"`
	Capacity          int            `json:"capacity"`
	MonthlyPriceCents int64          `json:"monthly_price_cents"`
	YearlyPriceCents  int64          `json:"yearly_price_cents"`
	BillingCadence    BillingCadence `json:"billing_cadence"`

	// PlanGate is the minimum plan that may hold this add-on. PlanNone means
	// the add-on is available on every tier.
	PlanGate Plan `json:"plan_gate,omitempty"`

	// IncludedInEnterprise marks add-ons the enterprise tier already covers;
	// attempting to buy one on enterprise is rejected.
	IncludedInEnterprise bool `json:"included_in_enterprise"`
}

// Violation is a business-rule rejection from the entitlement validator.
// Violations are returned as values, never raised as errors, so callers can
// present complete feedback in one pass.
type Violation struct {
	Code    ViolationCode `json:"code"`
	AddonID string        `json:"addon_id,omitempty"`
	Plan    Plan          `json:"plan,omitempty"`
	Message string        `json:"message"`
}

// KnowledgeEntry is one question/answer pair in a widget's knowledge corpus.
type KnowledgeEntry struct {
	ID         string    `json:"id" db:"id"`
	Question   string    `json:"question" db:"question"`
	Answer     string    `json:"answer" db:"answer"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

// KnowledgeDocument is uploaded-document metadata attached to the corpus.
// Upload handling itself is external; the engine only tracks timestamps.
type KnowledgeDocument struct {
	ID         string    `json:"id" db:"id"`
	Filename   string    `json:"filename" db:"filename"`
	SizeBytes  int64     `json:"size_bytes" db:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

// KnowledgeCorpus is the ordered training content for one widget.
type KnowledgeCorpus struct {
	WidgetID  string              `json:"widget_id"`
	Entries   []KnowledgeEntry    `json:"entries"`
	Documents []KnowledgeDocument `json:"documents"`
}

// Size returns the number of trainable items in the corpus.
func (c *KnowledgeCorpus) Size() int {
	return len(c.Entries) + len(c.Documents)
}

// LastContentModified returns the max modification timestamp across the
// corpus, or nil for an empty corpus.
func (c *KnowledgeCorpus) LastContentModified() *time.Time {
	var latest *time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if latest == nil || t.After(*latest) {
			ts := t
			latest = &ts
		}
	}
	for i := range c.Entries {
		consider(c.Entries[i].ModifiedAt)
	}
	for i := range c.Documents {
		consider(c.Documents[i].ModifiedAt)
	}
	return latest
}

// TrainingRecord tracks knowledge-base training freshness for one widget.
type TrainingRecord struct {
	WidgetID            string     `json:"widget_id" db:"widget_id"`
	LastTrained         *time.Time `json:"last_trained,omitempty" db:"last_trained"`
	LastContentModified *time.Time `json:"last_content_modified,omitempty" db:"last_content_modified"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// TrainingSnapshot is the trainable unit handed to the external training
// collaborator: the serialized corpus plus the version stamp it covers.
type TrainingSnapshot struct {
	WidgetID     string    `json:"widget_id"`
	Payload      []byte    `json:"payload"` // gzip-compressed JSON corpus
	VersionStamp time.Time `json:"version_stamp"`
	EntryCount   int       `json:"entry_count"`
}

// SubscriptionDetails abstracts the provider's subscription object.
type SubscriptionDetails struct {
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// RedirectURLs are the server-controlled checkout redirect targets.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// AuditEvent records a business action for the audit trail.
type AuditEvent struct {
	Actor        Actor     `json:"actor"`
	Action       string    `json:"action"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	Timestamp    time.Time `json:"timestamp"`
}
