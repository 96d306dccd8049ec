// Package handlers contains the HTTP handler implementations for the
// Chatforge entitlement API. Handlers are thin hosts around the pure
// transition engine: load the widget, run the operation, persist the result
// under the optimistic version check, then execute or enqueue the returned
// side effects.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatforge/internal/core"
	"chatforge/internal/entitlement"
	"chatforge/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally following the handler injection pattern: handlers depend on
// narrow abstractions, concrete implementations are wired in cmd/api.

// WidgetStore is the persistence contract for widget transitions.
type WidgetStore interface {
	GetByID(ctx context.Context, id, orgID string) (*types.Widget, error)
	Update(ctx context.Context, w *types.Widget, expectedVersion int) error
}

// CheckoutStarter creates a payment-provider checkout session for a checkout
// effect. The URL must travel back to the caller in the same response, so
// checkout effects are the one effect family executed inline.
type CheckoutStarter interface {
	CreateCheckoutSession(ctx context.Context, effect types.SideEffect, urls types.RedirectURLs) (url, sessionID string, err error)
}

// EffectDispatcher enqueues asynchronous side effects for the worker.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, effects []types.SideEffect) error
}

// --- Request/Response Models ---

// SelectPlanRequest is the request body for POST /widgets/{id}/select-plan.
type SelectPlanRequest struct {
	Plan          string `json:"plan" validate:"required,plan_id"`
	BillingPeriod string `json:"billing_period" validate:"required,billing_period"`
}

// ChangePlanRequest is the request body for POST /widgets/{id}/change-plan.
type ChangePlanRequest struct {
	Plan string `json:"plan" validate:"required,plan_id"`
}

// AddAddonRequest is the request body for POST /widgets/{id}/addons.
type AddAddonRequest struct {
	AddonID string `json:"addon_id" validate:"required,max=100"`
}

// GrantCapacityRequest is the request body for POST /widgets/{id}/custom-capacity.
type GrantCapacityRequest struct {
	Amount int `json:"amount" validate:"required,min=1"`
}

// WidgetView is the client-facing projection of a widget. Provider linkage
// and the concurrency marker stay internal.
type WidgetView struct {
	ID                 string                   `json:"id"`
	OrganizationID     string                   `json:"organization_id"`
	Name               string                   `json:"name"`
	Plan               types.Plan               `json:"plan"`
	BillingPeriod      types.BillingPeriod      `json:"billing_period"`
	ActiveAddons       []string                 `json:"active_addons"`
	MessagesLimit      int                      `json:"messages_limit"`
	CustomCapacity     int                      `json:"custom_capacity,omitempty"`
	LifecycleStatus    types.LifecycleStatus    `json:"lifecycle_status"`
	SubscriptionStatus types.SubscriptionStatus `json:"subscription_status"`
	State              types.AccountState       `json:"state"`
	BillingPeriodStart string                   `json:"billing_period_start,omitempty"`
	CreatedAt          string                   `json:"created_at"`
	UpdatedAt          string                   `json:"updated_at"`
}

func newWidgetView(w *types.Widget) WidgetView {
	view := WidgetView{
		ID:                 w.ID,
		OrganizationID:     w.OrganizationID,
		Name:               w.Name,
		Plan:               w.Plan,
		BillingPeriod:      w.BillingPeriod,
		ActiveAddons:       w.ActiveAddons,
		MessagesLimit:      w.MessagesLimit,
		CustomCapacity:     w.CustomCapacity,
		LifecycleStatus:    w.LifecycleStatus,
		SubscriptionStatus: w.SubscriptionStatus,
		State:              w.State(),
		CreatedAt:          w.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          w.UpdatedAt.Format(time.RFC3339),
	}
	if view.ActiveAddons == nil {
		view.ActiveAddons = []string{}
	}
	if !w.BillingPeriodStart.IsZero() {
		view.BillingPeriodStart = w.BillingPeriodStart.Format(time.RFC3339)
	}
	return view
}

// TransitionResponse is the response for every transition endpoint. The
// checkout fields are present only when the operation requires payment.
type TransitionResponse struct {
	Widget            WidgetView `json:"widget"`
	CheckoutURL       string     `json:"checkout_url,omitempty"`
	CheckoutSessionID string     `json:"checkout_session_id,omitempty"`
	PlanChange        string     `json:"plan_change,omitempty"`
}

// --- Handler ---

// WidgetHandler hosts the plan and add-on transition endpoints.
type WidgetHandler struct {
	store      WidgetStore
	engine     *entitlement.Engine
	checkout   CheckoutStarter
	dispatcher EffectDispatcher
	validator  *core.Validator
	logger     *slog.Logger
	urls       types.RedirectURLs

	// adminOnly guards the custom-capacity routes; wired to the server's
	// RequireAdmin middleware.
	adminOnly func(http.Handler) http.Handler
}

// NewWidgetHandler creates a WidgetHandler with the provided dependencies.
func NewWidgetHandler(
	store WidgetStore,
	engine *entitlement.Engine,
	checkout CheckoutStarter,
	dispatcher EffectDispatcher,
	v *core.Validator,
	logger *slog.Logger,
	urls types.RedirectURLs,
	adminOnly func(http.Handler) http.Handler,
) *WidgetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WidgetHandler{
		store:      store,
		engine:     engine,
		checkout:   checkout,
		dispatcher: dispatcher,
		validator:  v,
		logger:     logger,
		urls:       urls,
		adminOnly:  adminOnly,
	}
}

// RegisterRoutes mounts the widget routes on the provided chi.Router.
func (h *WidgetHandler) RegisterRoutes(r chi.Router) {
	r.Route("/widgets/{widgetID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/select-plan", h.SelectPlan)
		r.Post("/change-plan", h.ChangePlan)
		r.Post("/addons", h.AddAddon)
		r.Delete("/addons/{addonID}", h.RemoveAddon)

		r.Group(func(r chi.Router) {
			if h.adminOnly != nil {
				r.Use(h.adminOnly)
			}
			r.Post("/custom-capacity", h.GrantCustomCapacity)
			r.Delete("/custom-capacity", h.RevokeCustomCapacity)
		})
	})
}

// loadWidget resolves the path widget scoped to the caller's organization.
// Admin and system actors read across organizations.
func (h *WidgetHandler) loadWidget(r *http.Request) (*types.Widget, error) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil)
	}

	orgScope := actor.OrganizationID
	if actor.IsAdmin() {
		orgScope = ""
	}
	return h.store.GetByID(r.Context(), chi.URLParam(r, "widgetID"), orgScope)
}

// Get handles GET /v1/widgets/{widgetID}.
func (h *WidgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	widget, err := h.loadWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: newWidgetView(widget)})
}

// SelectPlan handles POST /v1/widgets/{widgetID}/select-plan.
func (h *WidgetHandler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	var req SelectPlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.SelectPlan(widget, types.Plan(req.Plan), types.BillingPeriod(req.BillingPeriod))
	})
}

// ChangePlan handles POST /v1/widgets/{widgetID}/change-plan.
func (h *WidgetHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.ChangePlan(widget, types.Plan(req.Plan))
	})
}

// AddAddon handles POST /v1/widgets/{widgetID}/addons.
func (h *WidgetHandler) AddAddon(w http.ResponseWriter, r *http.Request) {
	var req AddAddonRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.AddAddon(widget, req.AddonID)
	})
}

// RemoveAddon handles DELETE /v1/widgets/{widgetID}/addons/{addonID}.
// The at_period_end query parameter defers the provider-side cancellation to
// the end of the current billing period; entitlement is removed immediately
// either way.
func (h *WidgetHandler) RemoveAddon(w http.ResponseWriter, r *http.Request) {
	addonID := chi.URLParam(r, "addonID")
	atPeriodEnd := r.URL.Query().Get("at_period_end") == "true"

	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.RemoveAddon(widget, addonID, atPeriodEnd)
	})
}

// GrantCustomCapacity handles POST /v1/widgets/{widgetID}/custom-capacity.
// Admin-only.
func (h *WidgetHandler) GrantCustomCapacity(w http.ResponseWriter, r *http.Request) {
	var req GrantCapacityRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.GrantCustomCapacity(widget, req.Amount)
	})
}

// RevokeCustomCapacity handles DELETE /v1/widgets/{widgetID}/custom-capacity.
// Admin-only.
func (h *WidgetHandler) RevokeCustomCapacity(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, func(widget types.Widget) (entitlement.Result, error) {
		return h.engine.RevokeCustomCapacity(widget)
	})
}

// runTransition is the shared host flow for every transition endpoint:
//
//  1. Load the widget (org-scoped).
//  2. Run the pure engine operation.
//  3. Execute a checkout effect inline, if present, so the session URL can
//     be returned to the caller. Runs before the persist step: a provider
//     failure then leaves the stored state untouched.
//  4. Persist under the optimistic version check.
//  5. Enqueue the remaining effects for the worker.
func (h *WidgetHandler) runTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(types.Widget) (entitlement.Result, error),
) {
	ctx := r.Context()

	widget, err := h.loadWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := op(*widget)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := TransitionResponse{PlanChange: string(res.PlanChange)}

	for _, effect := range res.Effects {
		if effect.Kind != types.EffectCheckout && effect.Kind != types.EffectAddonCheckout {
			continue
		}
		url, sessionID, err := h.checkout.CreateCheckoutSession(ctx, effect, h.urls)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		resp.CheckoutURL = url
		resp.CheckoutSessionID = sessionID
	}

	if err := h.store.Update(ctx, &res.Widget, widget.ConfigVersion); err != nil {
		core.Error(w, r, err)
		return
	}

	// Enqueue failures do not roll back the transition: the state is already
	// durable and entitlements recompute from it alone. The failure is logged
	// for operators to replay the effects.
	if err := h.dispatcher.Dispatch(ctx, res.Effects); err != nil {
		h.logger.ErrorContext(ctx, "side effect dispatch failed",
			"widget_id", res.Widget.ID,
			"effects", len(res.Effects),
			"error", err,
		)
	}

	resp.Widget = newWidgetView(&res.Widget)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
