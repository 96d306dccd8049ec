// Package training decides when a widget's knowledge corpus needs retraining
// and packages the corpus into a trainable snapshot for the training worker.
//
// The package holds no state of its own: callers load the TrainingRecord and
// corpus, call in, and persist whatever comes back.
package training

import (
	"fmt"
	"time"

	"chatforge/internal/types"
)

// NeedsTraining reports whether a corpus requires retraining.
//
// An empty corpus never needs training. A non-empty corpus with no recorded
// modification timestamp is assumed stale: the content predates the tracking
// mechanism. A corpus that has never been trained is stale. Otherwise the
// corpus is stale iff it was modified after the last training run.
func NeedsTraining(corpusSize int, lastContentModified, lastTrained *time.Time) bool {
	if corpusSize == 0 {
		return false
	}
	if lastContentModified == nil {
		return true
	}
	if lastTrained == nil {
		return true
	}
	return lastContentModified.After(*lastTrained)
}

// RecordContentChange returns a copy of the record with lastContentModified
// advanced to modifiedAt. Timestamps never move backwards: a change reported
// out of order keeps the later stamp.
func RecordContentChange(rec types.TrainingRecord, modifiedAt time.Time) types.TrainingRecord {
	if rec.LastContentModified == nil || modifiedAt.After(*rec.LastContentModified) {
		ts := modifiedAt.UTC()
		rec.LastContentModified = &ts
	}
	rec.UpdatedAt = time.Now().UTC()
	return rec
}

// MarkTrained records a completed training run covering the content up to
// versionStamp. The stamp must be at least as recent as the record's
// lastContentModified: content modified concurrently during the run must not
// be marked as trained, or the next staleness check would miss it.
func MarkTrained(rec types.TrainingRecord, versionStamp time.Time) (types.TrainingRecord, error) {
	if rec.LastContentModified != nil && versionStamp.Before(*rec.LastContentModified) {
		return rec, types.NewAppErrorWithDetails(
			types.ErrCodeConflictStaleTraining,
			fmt.Sprintf("training stamp %s is older than last content modification %s",
				versionStamp.Format(time.RFC3339), rec.LastContentModified.Format(time.RFC3339)),
			nil,
			map[string]any{
				"version_stamp":         versionStamp,
				"last_content_modified": *rec.LastContentModified,
			},
		)
	}

	ts := versionStamp.UTC()
	rec.LastTrained = &ts
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}
