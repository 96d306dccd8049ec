package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"chatforge/internal/types"
)

// TrainingRepository provides data access for training_records and the
// knowledge corpus tables (knowledge_entries, knowledge_documents).
//
// Key invariants:
//   - BumpContentModified never moves last_content_modified backwards, so
//     out-of-order content updates cannot hide newer changes.
//   - SetLastTrained is guarded: a training completion whose version stamp
//     predates the recorded content modification is rejected with
//     conflict_stale_training_stamp rather than silently marking the widget
//     as fresh.
type TrainingRepository struct {
	db DBTX
}

// NewTrainingRepository creates a new TrainingRepository backed by the given
// database connection (pool or transaction).
func NewTrainingRepository(db DBTX) *TrainingRepository {
	return &TrainingRepository{db: db}
}

// Get retrieves the training record for a widget. Returns
// not_found_training_record if the widget has never had content activity.
func (r *TrainingRepository) Get(ctx context.Context, widgetID string) (*types.TrainingRecord, error) {
	var rec types.TrainingRecord
	err := r.db.QueryRow(ctx,
		`SELECT widget_id, last_trained, last_content_modified, updated_at
		 FROM training_records
		 WHERE widget_id = $1`,
		widgetID,
	).Scan(&rec.WidgetID, &rec.LastTrained, &rec.LastContentModified, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTraining, "no training record for widget", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve training record", err)
	}
	return &rec, nil
}

// BumpContentModified upserts the training record, advancing
// last_content_modified to modifiedAt unless the stored value is already
// newer. Called whenever corpus content changes.
func (r *TrainingRepository) BumpContentModified(ctx context.Context, widgetID string, modifiedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO training_records (widget_id, last_content_modified, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (widget_id) DO UPDATE SET
			last_content_modified = GREATEST(
				COALESCE(training_records.last_content_modified, EXCLUDED.last_content_modified),
				EXCLUDED.last_content_modified
			),
			updated_at = NOW()`,
		widgetID,
		modifiedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record content change", err)
	}
	return nil
}

// SetLastTrained records a completed training run covering versionStamp.
// The guard in the WHERE clause rejects completions that are older than the
// recorded content modification: content changed while training ran, so the
// widget must stay marked as needing training.
func (r *TrainingRepository) SetLastTrained(ctx context.Context, widgetID string, versionStamp time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE training_records
		 SET last_trained = $1,
		     updated_at = NOW()
		 WHERE widget_id = $2
		   AND (last_content_modified IS NULL OR last_content_modified <= $1)`,
		versionStamp.UTC(),
		widgetID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record training completion", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the record is missing or the stamp is stale.
	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM training_records WHERE widget_id = $1)`,
		widgetID,
	).Scan(&exists)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to verify training record", err)
	}
	if !exists {
		return types.NewAppError(types.ErrCodeNotFoundTraining, "no training record for widget", nil)
	}
	return types.NewAppError(
		types.ErrCodeConflictStaleTraining,
		"content changed after the training snapshot was taken",
		nil,
	)
}

// GetCorpus loads the full knowledge corpus for a widget: Q&A entries plus
// uploaded document metadata. An empty corpus is a valid result, not an
// error; callers decide whether an empty corpus is trainable.
func (r *TrainingRepository) GetCorpus(ctx context.Context, widgetID string) (*types.KnowledgeCorpus, error) {
	corpus := &types.KnowledgeCorpus{
		WidgetID:  widgetID,
		Entries:   []types.KnowledgeEntry{},
		Documents: []types.KnowledgeDocument{},
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, question, answer, modified_at
		 FROM knowledge_entries
		 WHERE widget_id = $1
		 ORDER BY created_at ASC`,
		widgetID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query knowledge entries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e types.KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.Question, &e.Answer, &e.ModifiedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan knowledge entry", err)
		}
		corpus.Entries = append(corpus.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read knowledge entries", err)
	}

	docRows, err := r.db.Query(ctx,
		`SELECT id, filename, size_bytes, modified_at
		 FROM knowledge_documents
		 WHERE widget_id = $1
		 ORDER BY created_at ASC`,
		widgetID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query knowledge documents", err)
	}
	defer docRows.Close()
	for docRows.Next() {
		var d types.KnowledgeDocument
		if err := docRows.Scan(&d.ID, &d.Filename, &d.SizeBytes, &d.ModifiedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan knowledge document", err)
		}
		corpus.Documents = append(corpus.Documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read knowledge documents", err)
	}

	return corpus, nil
}
