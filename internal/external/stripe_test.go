package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatforge/internal/types"
)

// fakeBillingLookup is an in-memory WidgetBillingLookup.
type fakeBillingLookup struct {
	customerID string
	email      string
	getErr     error

	updatedWidgetID   string
	updatedCustomerID string
	updateErr         error
}

func (f *fakeBillingLookup) GetBillingInfo(ctx context.Context, widgetID string) (string, string, error) {
	if f.getErr != nil {
		return "", "", f.getErr
	}
	return f.customerID, f.email, nil
}

func (f *fakeBillingLookup) UpdateStripeCustomerID(ctx context.Context, widgetID, customerID string) error {
	f.updatedWidgetID = widgetID
	f.updatedCustomerID = customerID
	return f.updateErr
}

// stripeTestServer records requests and replies from a path-keyed table.
type stripeRequest struct {
	Method string
	Path   string
	Form   map[string]string
}

func newStripeTestClient(t *testing.T, lookup *fakeBillingLookup, handler http.HandlerFunc) (*StripeClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(
		srv.Client(),
		"stripe-"+t.Name(),
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Chatforge/test",
		types.ErrCodeUpstreamStripe,
		WithSleepFunc(func(time.Duration) {}),
	)
	client := NewStripeClientWithBase(base, lookup, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   srv.URL,
	})
	return client, srv
}

func recordForm(r *http.Request) stripeRequest {
	_ = r.ParseForm()
	form := map[string]string{}
	for k, v := range r.Form {
		if len(v) > 0 {
			form[k] = v[0]
		}
	}
	return stripeRequest{Method: r.Method, Path: r.URL.Path, Form: form}
}

func TestEnsureCustomer_AlreadyLinked(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_existing"}
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		t.Error("linked customer should not reach Stripe")
	})

	id, err := client.EnsureCustomer(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
}

func TestEnsureCustomer_SearchHit(t *testing.T) {
	lookup := &fakeBillingLookup{email: "billing@acme.test"}
	var requests []stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, recordForm(r))
		switch r.URL.Path {
		case "/v1/customers/search":
			_ = json.NewEncoder(w).Encode(stripeSearchResult{
				Data: []stripeCustomer{{ID: "cus_found"}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := client.EnsureCustomer(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_found", id)
	assert.Equal(t, "cus_found", lookup.updatedCustomerID)
	assert.Equal(t, "wgt_1", lookup.updatedWidgetID)

	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Form["query"], "wgt_1")
}

func TestEnsureCustomer_CreatesWhenMissing(t *testing.T) {
	lookup := &fakeBillingLookup{email: "billing@acme.test"}
	var created stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			_ = json.NewEncoder(w).Encode(stripeSearchResult{})
		case "/v1/customers":
			created = recordForm(r)
			_ = json.NewEncoder(w).Encode(stripeCustomer{ID: "cus_new"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := client.EnsureCustomer(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
	assert.Equal(t, "cus_new", lookup.updatedCustomerID)

	assert.Equal(t, "billing@acme.test", created.Form["email"])
	assert.Equal(t, "wgt_1", created.Form["metadata[widget_id]"])
}

func TestCreateCheckoutSession_PlanSubscription(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	var session stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		session = recordForm(r)
		_ = json.NewEncoder(w).Encode(stripeCheckoutSession{
			ID:  "cs_1",
			URL: "https://checkout.stripe.test/cs_1",
		})
	})

	effect := types.CheckoutEffect("wgt_1", types.CheckoutSubscription, types.PlanPro, types.BillingYearly)
	urls := types.RedirectURLs{Success: "https://app.chatforge.test/ok", Cancel: "https://app.chatforge.test/cancel"}

	checkoutURL, sessionID, err := client.CreateCheckoutSession(context.Background(), effect, urls)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", checkoutURL)
	assert.Equal(t, "cs_1", sessionID)

	assert.Equal(t, "subscription", session.Form["mode"])
	assert.Equal(t, "cus_1", session.Form["customer"])
	assert.Equal(t, "wgt_1", session.Form["client_reference_id"])
	assert.Equal(t, "price_pro_yearly", session.Form["line_items[0][price]"])
	assert.Equal(t, "pro", session.Form["metadata[plan]"])
}

func TestCreateCheckoutSession_SetupMode(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	var session stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		session = recordForm(r)
		_ = json.NewEncoder(w).Encode(stripeCheckoutSession{ID: "cs_setup", URL: "https://checkout.stripe.test/cs_setup"})
	})

	effect := types.CheckoutEffect("wgt_1", types.CheckoutSetup, types.PlanBasic, types.BillingMonthly)
	_, _, err := client.CreateCheckoutSession(context.Background(), effect, types.RedirectURLs{})
	require.NoError(t, err)

	assert.Equal(t, "setup", session.Form["mode"])
	assert.Empty(t, session.Form["line_items[0][price]"])
}

func TestCreateCheckoutSession_AddonAlwaysUsesEffectPeriod(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	var session stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		session = recordForm(r)
		_ = json.NewEncoder(w).Encode(stripeCheckoutSession{ID: "cs_addon", URL: "https://checkout.stripe.test/cs_addon"})
	})

	// Capacity add-ons are billed monthly even on yearly accounts; the engine
	// records the cadence on the effect and the client must honor it.
	effect := types.AddonCheckoutEffect("wgt_1", "capacity_1000", types.BillingMonthly)
	_, _, err := client.CreateCheckoutSession(context.Background(), effect, types.RedirectURLs{})
	require.NoError(t, err)

	assert.Equal(t, "subscription", session.Form["mode"])
	assert.Equal(t, "price_addon_capacity_1000_monthly", session.Form["line_items[0][price]"])
	assert.Equal(t, "capacity_1000", session.Form["metadata[addon_id]"])
}

func TestCancelSubscription_FindsBaseSubscription(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	var deletedPath string
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/subscriptions" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(stripeSubscriptionList{Data: []stripeSubscription{
				{ID: "sub_addon", Metadata: map[string]string{"addon_id": "booking"}},
				{ID: "sub_base", Metadata: map[string]string{}},
			}})
		case r.Method == http.MethodDelete:
			deletedPath = r.URL.Path
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sub_base", "status": "canceled"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "wgt_1"))
	assert.Equal(t, "/v1/subscriptions/sub_base", deletedPath)
}

func TestCancelSubscription_NoSubscriptionIsNoop(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stripeSubscriptionList{})
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "wgt_1"))
}

func TestCancelAddonSubscription_AtPeriodEnd(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	var update stripeRequest
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/subscriptions" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(stripeSubscriptionList{Data: []stripeSubscription{
				{ID: "sub_addon", Metadata: map[string]string{"addon_id": "booking"}},
			}})
		case r.URL.Path == "/v1/subscriptions/sub_addon" && r.Method == http.MethodPost:
			update = recordForm(r)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sub_addon"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	require.NoError(t, client.CancelAddonSubscription(context.Background(), "wgt_1", "booking", true))
	assert.Equal(t, "true", update.Form["cancel_at_period_end"])
}

func TestGetSubscription_MapsCancelling(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stripeSubscriptionList{Data: []stripeSubscription{{
			ID:                 "sub_base",
			Status:             "active",
			CancelAtPeriodEnd:  true,
			CurrentPeriodStart: periodStart.Unix(),
			CurrentPeriodEnd:   periodEnd.Unix(),
			Metadata:           map[string]string{},
			Items: stripeSubscriptionItems{Data: []stripeSubscriptionItem{
				{Price: stripePrice{ID: "price_enterprise_monthly"}},
			}},
		}}})
	})

	details, err := client.GetSubscription(context.Background(), "wgt_1")
	require.NoError(t, err)
	require.NotNil(t, details)

	assert.Equal(t, types.SubStatusCancelling, details.Status)
	assert.Equal(t, types.PlanEnterprise, details.Plan)
	assert.Equal(t, periodStart, details.CurrentPeriodStart)
	assert.True(t, details.CancelAtPeriodEnd)
}

func TestGetSubscription_NoCustomer(t *testing.T) {
	lookup := &fakeBillingLookup{}
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		t.Error("widget without a customer should not reach Stripe")
	})

	details, err := client.GetSubscription(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Nil(t, details)
}

func TestStripeErrorMapping(t *testing.T) {
	lookup := &fakeBillingLookup{customerID: "cus_1"}
	client, _ := newStripeTestClient(t, lookup, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(stripeErrorResponse{Error: stripeErrorBody{
			Type:    "invalid_request_error",
			Code:    "resource_missing",
			Message: "No such price",
		}})
	})

	effect := types.CheckoutEffect("wgt_1", types.CheckoutSubscription, types.PlanPro, types.BillingMonthly)
	_, _, err := client.CreateCheckoutSession(context.Background(), effect, types.RedirectURLs{})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamStripe, appErr.Code)
	assert.Equal(t, "resource_missing", appErr.Details["stripe_code"])
	assert.Contains(t, appErr.Message, "No such price")
}

func TestMapSubscriptionStatus(t *testing.T) {
	cases := []struct {
		stripeStatus      string
		cancelAtPeriodEnd bool
		want              types.SubscriptionStatus
	}{
		{"active", false, types.SubStatusActive},
		{"trialing", false, types.SubStatusActive},
		{"active", true, types.SubStatusCancelling},
		{"canceled", false, types.SubStatusCancelled},
		{"incomplete_expired", false, types.SubStatusCancelled},
		{"past_due", false, types.SubStatusFailed},
		{"unpaid", false, types.SubStatusFailed},
		{"incomplete", false, types.SubStatusNone},
	}
	for _, tc := range cases {
		got := mapSubscriptionStatus(tc.stripeStatus, tc.cancelAtPeriodEnd)
		assert.Equal(t, tc.want, got, "status %s cancel=%v", tc.stripeStatus, tc.cancelAtPeriodEnd)
	}
}
