package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"chatforge/internal/core"
	"chatforge/internal/entitlement"
	"chatforge/internal/types"
)

// maxWebhookBodySize bounds the webhook payload read. Stripe events are far
// smaller; anything larger is not a Stripe delivery.
const maxWebhookBodySize = 1 << 16 // 64 KB

// WebhookVerifier validates the Stripe-Signature header and parses the event.
type WebhookVerifier interface {
	VerifyAndParse(payload []byte, sigHeader string) (stripe.Event, error)
}

// WebhookEventGuard serializes billing events per widget by timestamp.
// Claim returns false for an event older than one already applied, which
// makes out-of-order and duplicate deliveries a no-op.
type WebhookEventGuard interface {
	Claim(ctx context.Context, widgetID string, eventAt time.Time) (bool, error)
}

// WebhookWidgetStore is the widget access the webhook path needs. Events
// identify the widget either by checkout reference or by Stripe customer.
type WebhookWidgetStore interface {
	GetByID(ctx context.Context, id, orgID string) (*types.Widget, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Widget, error)
	Update(ctx context.Context, w *types.Widget, expectedVersion int) error
}

// StripeWebhookHandler receives provider billing events and feeds them into
// the transition engine. The endpoint is unauthenticated; trust comes from
// the signature verification.
type StripeWebhookHandler struct {
	verifier   WebhookVerifier
	guard      WebhookEventGuard
	store      WebhookWidgetStore
	engine     *entitlement.Engine
	dispatcher EffectDispatcher
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler with the provided
// dependencies.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	guard WebhookEventGuard,
	store WebhookWidgetStore,
	engine *entitlement.Engine,
	dispatcher EffectDispatcher,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		guard:      guard,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. The path must stay aligned
// with the public-path exemption in the actor middleware.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// webhookCheckoutSession is the slice of the checkout.session.completed
// payload this handler reads.
type webhookCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Metadata          map[string]string `json:"metadata"`
}

// webhookSubscription is the slice of the customer.subscription.* payloads
// this handler reads.
type webhookSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// webhookInvoice is the slice of the invoice.* payloads this handler reads.
type webhookInvoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// Handle processes POST /v1/webhooks/stripe.
//
// Response policy: 2xx acknowledges the event and stops Stripe's retries, so
// everything that cannot succeed on a retry (stale events, illegal replays,
// unhandled types) is acknowledged, and only verification failures and
// transient errors return non-2xx.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody, "failed to read webhook payload", err))
		return
	}

	event, err := h.verifier.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	logger := h.logger.With("event_id", event.ID, "event_type", string(event.Type))

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(ctx, w, r, logger, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(ctx, w, r, logger, event)
	case "invoice.payment_failed":
		h.handlePaymentFailed(ctx, w, r, logger, event)
	default:
		logger.DebugContext(ctx, "unhandled webhook event acknowledged")
		h.acknowledge(w, r, "unhandled")
	}
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	event stripe.Event,
) {
	var session webhookCheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody, "malformed checkout session payload", err))
		return
	}

	// Add-on checkouts confirm a purchase the engine already applied when
	// the add-on was requested; nothing further to transition.
	if session.Metadata["addon_id"] != "" {
		logger.InfoContext(ctx, "add-on checkout completed",
			"widget_id", session.ClientReferenceID,
			"addon_id", session.Metadata["addon_id"],
		)
		h.acknowledge(w, r, "addon_checkout")
		return
	}

	if session.ClientReferenceID == "" {
		logger.WarnContext(ctx, "checkout session has no client reference, acknowledged")
		h.acknowledge(w, r, "no_reference")
		return
	}

	h.applyTransition(ctx, w, r, logger, session.ClientReferenceID, event,
		func(widget types.Widget) (entitlement.Result, error) {
			return h.engine.ConfirmSubscription(widget, time.Unix(event.Created, 0).UTC())
		})
}

func (h *StripeWebhookHandler) handleSubscriptionDeleted(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	event stripe.Event,
) {
	var sub webhookSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody, "malformed subscription payload", err))
		return
	}

	// Add-on subscription endings do not change the account state; the
	// entitlement was removed when the cancellation was requested.
	if sub.Metadata["addon_id"] != "" {
		h.acknowledge(w, r, "addon_subscription")
		return
	}

	widget, err := h.store.GetByStripeCustomerID(ctx, sub.Customer)
	if err != nil {
		h.handleLookupError(ctx, w, r, logger, err)
		return
	}

	h.applyTransition(ctx, w, r, logger, widget.ID, event,
		func(widget types.Widget) (entitlement.Result, error) {
			return h.engine.MarkSubscriptionCancelled(widget)
		})
}

func (h *StripeWebhookHandler) handlePaymentFailed(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	event stripe.Event,
) {
	var invoice webhookInvoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody, "malformed invoice payload", err))
		return
	}

	widget, err := h.store.GetByStripeCustomerID(ctx, invoice.Customer)
	if err != nil {
		h.handleLookupError(ctx, w, r, logger, err)
		return
	}

	h.applyTransition(ctx, w, r, logger, widget.ID, event,
		func(widget types.Widget) (entitlement.Result, error) {
			return h.engine.MarkPaymentFailed(widget)
		})
}

// applyTransition is the shared webhook flow: claim the event timestamp,
// load the widget, run the engine operation, persist, enqueue effects.
func (h *StripeWebhookHandler) applyTransition(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	widgetID string,
	event stripe.Event,
	op func(types.Widget) (entitlement.Result, error),
) {
	eventAt := time.Unix(event.Created, 0).UTC()

	applied, err := h.guard.Claim(ctx, widgetID, eventAt)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !applied {
		logger.InfoContext(ctx, "stale webhook event acknowledged", "widget_id", widgetID)
		h.acknowledge(w, r, "stale")
		return
	}

	widget, err := h.store.GetByID(ctx, widgetID, "")
	if err != nil {
		h.handleLookupError(ctx, w, r, logger, err)
		return
	}

	res, err := op(*widget)
	if err != nil {
		// Illegal transitions come from replays or events for states the
		// account has already left; a retry can never make them succeed.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code.HTTPStatus() == http.StatusConflict {
			logger.WarnContext(ctx, "webhook transition rejected, acknowledged",
				"widget_id", widgetID,
				"code", string(appErr.Code),
			)
			h.acknowledge(w, r, "rejected")
			return
		}
		core.Error(w, r, err)
		return
	}

	if err := h.store.Update(ctx, &res.Widget, widget.ConfigVersion); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.dispatcher.Dispatch(ctx, res.Effects); err != nil {
		logger.ErrorContext(ctx, "webhook side effect dispatch failed",
			"widget_id", widgetID,
			"error", err,
		)
	}

	logger.InfoContext(ctx, "webhook event applied",
		"widget_id", widgetID,
		"state", string(res.Widget.State()),
	)
	h.acknowledge(w, r, "applied")
}

// handleLookupError acknowledges events for widgets we do not know; Stripe
// test traffic and deleted accounts both produce them.
func (h *StripeWebhookHandler) handleLookupError(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	err error,
) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundWidget {
		logger.WarnContext(ctx, "webhook event for unknown widget acknowledged")
		h.acknowledge(w, r, "unknown_widget")
		return
	}
	core.Error(w, r, err)
}

func (h *StripeWebhookHandler) acknowledge(w http.ResponseWriter, r *http.Request, status string) {
	core.JSON(w, r, http.StatusOK, map[string]any{
		"received": true,
		"status":   status,
	})
}
