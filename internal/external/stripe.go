package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"chatforge/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// WidgetBillingLookup provides the minimal data access StripeClient needs to
// resolve a widget into its Stripe customer ID and billing email. This avoids
// pulling in the full WidgetRepository interface.
type WidgetBillingLookup interface {
	// GetBillingInfo returns the stripe_customer_id and billing email for the
	// widget's organization. Returns ("", email, nil) when the widget exists
	// but has no Stripe customer yet.
	GetBillingInfo(ctx context.Context, widgetID string) (stripeCustomerID string, billingEmail string, err error)

	// UpdateStripeCustomerID sets the stripe_customer_id for the widget.
	UpdateStripeCustomerID(ctx context.Context, widgetID string, customerID string) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient executes the billing side effects emitted by the entitlement
// engine (checkout sessions, subscription cancellations) by making direct
// HTTP calls to the Stripe REST API through BaseClient. This routes all
// requests through the platform's resilience infrastructure and makes
// testing with httptest straightforward.
type StripeClient struct {
	base         *BaseClient
	secretKey    string
	baseURL      string
	widgetLookup WidgetBillingLookup
	logger       *slog.Logger
}

// NewStripeClient creates a new StripeClient with default retry policy.
func NewStripeClient(
	httpClient *http.Client,
	widgetLookup WidgetBillingLookup,
	cfg StripeClientConfig,
) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Chatforge/1.0",
		types.ErrCodeUpstreamStripe,
	)
	return NewStripeClientWithBase(base, widgetLookup, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Used by tests to control retry and breaker behavior.
func NewStripeClientWithBase(
	base *BaseClient,
	widgetLookup WidgetBillingLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:         base,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		widgetLookup: widgetLookup,
		logger:       logger,
	}
}

// EnsureCustomer retrieves or creates a Stripe customer for the widget.
// Search-first to prevent duplicates:
//  1. Query the Stripe Search API for metadata['widget_id'] match
//  2. If found, reuse the existing customer
//  3. Otherwise create a new customer carrying widget_id metadata
//  4. Persist the customer ID locally
func (s *StripeClient) EnsureCustomer(ctx context.Context, widgetID string) (string, error) {
	customerID, email, err := s.widgetLookup.GetBillingInfo(ctx, widgetID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}

	searchParams := url.Values{}
	searchParams.Set("query", fmt.Sprintf("metadata['widget_id']:'%s'", widgetID))

	searchResp, err := s.doGet(ctx, "/v1/customers/search", searchParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID = searchResult.Data[0].ID
	} else {
		createParams := url.Values{}
		createParams.Set("email", email)
		createParams.Set("metadata[widget_id]", widgetID)

		createResp, err := s.doPost(ctx, "/v1/customers", createParams)
		if err != nil {
			return "", s.wrapStripeError("EnsureCustomer.create", err)
		}
		defer createResp.Body.Close()

		if createResp.StatusCode != http.StatusOK {
			return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
		}

		var customer stripeCustomer
		if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
			return "", types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to decode Stripe customer creation response",
				err,
			)
		}
		customerID = customer.ID
	}

	if dbErr := s.widgetLookup.UpdateStripeCustomerID(ctx, widgetID, customerID); dbErr != nil {
		s.logger.WarnContext(ctx, "failed to persist stripe_customer_id",
			"widget_id", widgetID,
			"customer_id", customerID,
			"error", dbErr,
		)
	}

	return customerID, nil
}

// CreateCheckoutSession executes a requires_checkout or requires_addon_checkout
// side effect by generating a Stripe Checkout Session. The session mode comes
// from the effect's checkout kind; client_reference_id carries the widget ID
// for webhook correlation.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	effect types.SideEffect,
	urls types.RedirectURLs,
) (checkoutURL string, sessionID string, err error) {
	customerID, err := s.EnsureCustomer(ctx, effect.WidgetID)
	if err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("client_reference_id", effect.WidgetID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[widget_id]", effect.WidgetID)
	params.Set("metadata[checkout_kind]", string(effect.CheckoutKind))

	switch effect.CheckoutKind {
	case types.CheckoutSetup:
		params.Set("mode", "setup")
	case types.CheckoutAddon:
		params.Set("mode", "subscription")
		params.Set("metadata[addon_id]", effect.AddonID)
		params.Set("line_items[0][price]", addonPriceID(effect.AddonID, effect.BillingPeriod))
		params.Set("line_items[0][quantity]", "1")
	default:
		params.Set("mode", "subscription")
		params.Set("metadata[plan]", string(effect.Plan))
		params.Set("line_items[0][price]", planPriceID(effect.Plan, effect.BillingPeriod))
		params.Set("line_items[0][quantity]", "1")
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.URL, session.ID, nil
}

// CancelSubscription executes a cancel_current_subscription side effect by
// cancelling the widget's base subscription immediately. A widget with no
// live base subscription is a no-op: the cancel instruction may race the
// provider's own lifecycle.
func (s *StripeClient) CancelSubscription(ctx context.Context, widgetID string) error {
	sub, err := s.findSubscription(ctx, widgetID, "")
	if err != nil {
		return err
	}
	if sub == nil {
		s.logger.InfoContext(ctx, "no base subscription to cancel", "widget_id", widgetID)
		return nil
	}
	return s.deleteSubscription(ctx, sub.ID, "CancelSubscription")
}

// CancelAddonSubscription executes a cancel_addon_subscription side effect.
// With atPeriodEnd the subscription is flagged to lapse at the period
// boundary instead of being deleted immediately.
func (s *StripeClient) CancelAddonSubscription(ctx context.Context, widgetID, addonID string, atPeriodEnd bool) error {
	sub, err := s.findSubscription(ctx, widgetID, addonID)
	if err != nil {
		return err
	}
	if sub == nil {
		s.logger.InfoContext(ctx, "no addon subscription to cancel",
			"widget_id", widgetID,
			"addon_id", addonID,
		)
		return nil
	}

	if !atPeriodEnd {
		return s.deleteSubscription(ctx, sub.ID, "CancelAddonSubscription")
	}

	params := url.Values{}
	params.Set("cancel_at_period_end", "true")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+sub.ID, params)
	if err != nil {
		return s.wrapStripeError("CancelAddonSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelAddonSubscription")
	}
	return nil
}

// GetSubscription retrieves the widget's current base subscription details,
// or nil when the widget has no live subscription.
func (s *StripeClient) GetSubscription(ctx context.Context, widgetID string) (*types.SubscriptionDetails, error) {
	sub, err := s.findSubscription(ctx, widgetID, "")
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	return mapStripeSubscription(sub), nil
}

// findSubscription lists the customer's subscriptions and returns the one
// matching the addon ID (base subscription when addonID is empty), or nil.
func (s *StripeClient) findSubscription(ctx context.Context, widgetID, addonID string) (*stripeSubscription, error) {
	customerID, _, err := s.widgetLookup.GetBillingInfo(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "active")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("findSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "findSubscription")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	for i := range listResp.Data {
		if listResp.Data[i].Metadata["addon_id"] == addonID {
			return &listResp.Data[i], nil
		}
	}
	return nil, nil
}

func (s *StripeClient) deleteSubscription(ctx context.Context, subscriptionID, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, operation)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
			map[string]any{
				"stripe_code": stripeErr.Error.Code,
				"stripe_type": stripeErr.Error.Type,
			},
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
// AppErrors from BaseClient (breaker open, retries exhausted) pass through
// since they already carry the right code.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Metadata           map[string]string       `json:"metadata"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// mapStripeSubscription converts a Stripe subscription to domain details.
func mapStripeSubscription(sub *stripeSubscription) *types.SubscriptionDetails {
	details := &types.SubscriptionDetails{
		Status:             mapSubscriptionStatus(sub.Status, sub.CancelAtPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}

	if len(sub.Items.Data) > 0 {
		details.Plan = priceIDToPlan(sub.Items.Data[0].Price.ID)
	}

	return details
}

// mapSubscriptionStatus converts a Stripe subscription status to the domain
// enum. A live subscription flagged cancel_at_period_end is "cancelling".
func mapSubscriptionStatus(status string, cancelAtPeriodEnd bool) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return types.SubStatusCancelling
		}
		return types.SubStatusActive
	case "canceled", "incomplete_expired":
		return types.SubStatusCancelled
	case "past_due", "unpaid":
		return types.SubStatusFailed
	default:
		return types.SubStatusNone
	}
}

// ---------------------------------------------------------------------------
// Price ID <-> Catalog ID Mapping
// ---------------------------------------------------------------------------

// Price IDs follow the platform's Stripe naming convention:
// price_<plan>_<period> for base plans and price_addon_<id>_<period> for
// add-ons. Production price objects are created by the provisioning tooling
// under these lookup keys.

func planPriceID(plan types.Plan, period types.BillingPeriod) string {
	return fmt.Sprintf("price_%s_%s", plan, period)
}

func addonPriceID(addonID string, period types.BillingPeriod) string {
	return fmt.Sprintf("price_addon_%s_%s", addonID, period)
}

// priceIDToPlan recovers the plan tier from a base-plan price ID.
func priceIDToPlan(priceID string) types.Plan {
	for _, plan := range []types.Plan{types.PlanBasic, types.PlanPro, types.PlanEnterprise} {
		if strings.HasPrefix(priceID, "price_"+string(plan)+"_") {
			return plan
		}
	}
	return types.PlanNone
}
