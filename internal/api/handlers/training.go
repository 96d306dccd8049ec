package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatforge/internal/core"
	"chatforge/internal/training"
	"chatforge/internal/types"
)

// TrainingStore is the persistence contract for training freshness tracking.
type TrainingStore interface {
	Get(ctx context.Context, widgetID string) (*types.TrainingRecord, error)
	BumpContentModified(ctx context.Context, widgetID string, modifiedAt time.Time) error
	SetLastTrained(ctx context.Context, widgetID string, versionStamp time.Time) error
	GetCorpus(ctx context.Context, widgetID string) (*types.KnowledgeCorpus, error)
}

// TrainingStatusResponse is the response for GET /widgets/{id}/training.
type TrainingStatusResponse struct {
	WidgetID            string     `json:"widget_id"`
	NeedsTraining       bool       `json:"needs_training"`
	CorpusSize          int        `json:"corpus_size"`
	LastTrained         *time.Time `json:"last_trained,omitempty"`
	LastContentModified *time.Time `json:"last_content_modified,omitempty"`
}

// ContentModifiedRequest is the request body for POST .../training/content-modified.
// ModifiedAt is optional; it defaults to the current time.
type ContentModifiedRequest struct {
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// MarkTrainedRequest is the request body for POST .../training/mark-trained.
type MarkTrainedRequest struct {
	VersionStamp time.Time `json:"version_stamp" validate:"required"`
}

// SnapshotResponse is the response for POST .../training/snapshot. Payload is
// the gzip-compressed corpus, base64-encoded by JSON serialization.
type SnapshotResponse struct {
	WidgetID     string    `json:"widget_id"`
	Payload      []byte    `json:"payload"`
	VersionStamp time.Time `json:"version_stamp"`
	EntryCount   int       `json:"entry_count"`
}

// TrainingHandler hosts the knowledge-training freshness endpoints. Widget
// lookup happens first on every route so organization scoping applies before
// any training state is revealed.
type TrainingHandler struct {
	widgets   WidgetStore
	store     TrainingStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewTrainingHandler creates a TrainingHandler with the provided dependencies.
func NewTrainingHandler(widgets WidgetStore, store TrainingStore, v *core.Validator, logger *slog.Logger) *TrainingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrainingHandler{
		widgets:   widgets,
		store:     store,
		validator: v,
		logger:    logger,
	}
}

// RegisterRoutes mounts the training routes on the provided chi.Router.
func (h *TrainingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/widgets/{widgetID}/training", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/content-modified", h.ContentModified)
		r.Post("/snapshot", h.BuildSnapshot)
		r.Post("/mark-trained", h.MarkTrained)
	})
}

// authorizeWidget resolves the path widget scoped to the caller's
// organization and returns its id.
func (h *TrainingHandler) authorizeWidget(r *http.Request) (string, error) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil)
	}

	orgScope := actor.OrganizationID
	if actor.IsAdmin() {
		orgScope = ""
	}
	widget, err := h.widgets.GetByID(r.Context(), chi.URLParam(r, "widgetID"), orgScope)
	if err != nil {
		return "", err
	}
	return widget.ID, nil
}

// Status handles GET /v1/widgets/{widgetID}/training.
//
// A widget with no training record yet reads as an untrained empty history:
// staleness is then decided purely by the live corpus.
func (h *TrainingHandler) Status(w http.ResponseWriter, r *http.Request) {
	widgetID, err := h.authorizeWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	ctx := r.Context()

	rec, err := h.store.Get(ctx, widgetID)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundTraining {
			core.Error(w, r, err)
			return
		}
		rec = &types.TrainingRecord{WidgetID: widgetID}
	}

	corpus, err := h.store.GetCorpus(ctx, widgetID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// The live corpus is the source of truth for the modification stamp;
	// the stored record can trail it when content writers bypass the
	// content-modified endpoint.
	lastModified := rec.LastContentModified
	if live := corpus.LastContentModified(); live != nil {
		if lastModified == nil || live.After(*lastModified) {
			lastModified = live
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: TrainingStatusResponse{
		WidgetID:            widgetID,
		NeedsTraining:       training.NeedsTraining(corpus.Size(), lastModified, rec.LastTrained),
		CorpusSize:          corpus.Size(),
		LastTrained:         rec.LastTrained,
		LastContentModified: lastModified,
	}})
}

// ContentModified handles POST /v1/widgets/{widgetID}/training/content-modified.
// Content-management collaborators call this after any knowledge edit.
func (h *TrainingHandler) ContentModified(w http.ResponseWriter, r *http.Request) {
	widgetID, err := h.authorizeWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req ContentModifiedRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	modifiedAt := time.Now().UTC()
	if req.ModifiedAt != nil {
		modifiedAt = *req.ModifiedAt
	}

	if err := h.store.BumpContentModified(r.Context(), widgetID, modifiedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"widget_id":   widgetID,
		"modified_at": modifiedAt,
	}})
}

// BuildSnapshot handles POST /v1/widgets/{widgetID}/training/snapshot.
// It packages the live corpus for the training collaborator; the returned
// version stamp is what a later mark-trained call must present.
func (h *TrainingHandler) BuildSnapshot(w http.ResponseWriter, r *http.Request) {
	widgetID, err := h.authorizeWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	corpus, err := h.store.GetCorpus(r.Context(), widgetID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snapshot, err := training.BuildSnapshot(*corpus)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "training snapshot built",
		"widget_id", widgetID,
		"entry_count", snapshot.EntryCount,
		"version_stamp", snapshot.VersionStamp,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SnapshotResponse{
		WidgetID:     snapshot.WidgetID,
		Payload:      snapshot.Payload,
		VersionStamp: snapshot.VersionStamp,
		EntryCount:   snapshot.EntryCount,
	}})
}

// MarkTrained handles POST /v1/widgets/{widgetID}/training/mark-trained.
// Rejected with conflict_stale_training_stamp when content changed after the
// presented snapshot was taken.
func (h *TrainingHandler) MarkTrained(w http.ResponseWriter, r *http.Request) {
	widgetID, err := h.authorizeWidget(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req MarkTrainedRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.SetLastTrained(r.Context(), widgetID, req.VersionStamp); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"widget_id":    widgetID,
		"last_trained": req.VersionStamp.UTC(),
	}})
}
