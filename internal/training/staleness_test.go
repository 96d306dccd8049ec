package training

import (
	"errors"
	"testing"
	"time"

	"chatforge/internal/types"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

func TestNeedsTraining(t *testing.T) {
	tests := []struct {
		name         string
		corpusSize   int
		lastModified *time.Time
		lastTrained  *time.Time
		want         bool
	}{
		{
			name:       "empty corpus never needs training",
			corpusSize: 0,
			want:       false,
		},
		{
			name:         "empty corpus even with stale timestamps",
			corpusSize:   0,
			lastModified: tsp("2026-03-01T00:00:00Z"),
			lastTrained:  tsp("2026-02-01T00:00:00Z"),
			want:         false,
		},
		{
			name:       "untracked content assumed stale",
			corpusSize: 3,
			want:       true,
		},
		{
			name:         "never trained",
			corpusSize:   3,
			lastModified: tsp("2026-03-01T00:00:00Z"),
			want:         true,
		},
		{
			name:         "modified after training",
			corpusSize:   3,
			lastModified: tsp("2026-03-02T00:00:00Z"),
			lastTrained:  tsp("2026-03-01T00:00:00Z"),
			want:         true,
		},
		{
			name:         "training covers latest modification",
			corpusSize:   3,
			lastModified: tsp("2026-03-01T00:00:00Z"),
			lastTrained:  tsp("2026-03-01T00:00:00Z"),
			want:         false,
		},
		{
			name:         "trained after last modification",
			corpusSize:   3,
			lastModified: tsp("2026-03-01T00:00:00Z"),
			lastTrained:  tsp("2026-03-02T00:00:00Z"),
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NeedsTraining(tt.corpusSize, tt.lastModified, tt.lastTrained)
			if got != tt.want {
				t.Errorf("NeedsTraining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordContentChange(t *testing.T) {
	rec := types.TrainingRecord{WidgetID: "wgt_1"}

	rec = RecordContentChange(rec, ts("2026-03-01T10:00:00Z"))
	if rec.LastContentModified == nil || !rec.LastContentModified.Equal(ts("2026-03-01T10:00:00Z")) {
		t.Fatalf("LastContentModified = %v", rec.LastContentModified)
	}

	// Out-of-order report keeps the later stamp.
	rec = RecordContentChange(rec, ts("2026-02-01T10:00:00Z"))
	if !rec.LastContentModified.Equal(ts("2026-03-01T10:00:00Z")) {
		t.Errorf("timestamp moved backwards to %v", rec.LastContentModified)
	}

	rec = RecordContentChange(rec, ts("2026-03-05T10:00:00Z"))
	if !rec.LastContentModified.Equal(ts("2026-03-05T10:00:00Z")) {
		t.Errorf("timestamp not advanced: %v", rec.LastContentModified)
	}
}

func TestMarkTrained(t *testing.T) {
	rec := types.TrainingRecord{
		WidgetID:            "wgt_1",
		LastContentModified: tsp("2026-03-01T10:00:00Z"),
	}

	got, err := MarkTrained(rec, ts("2026-03-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("MarkTrained error: %v", err)
	}
	if got.LastTrained == nil || !got.LastTrained.Equal(ts("2026-03-01T10:00:00Z")) {
		t.Errorf("LastTrained = %v", got.LastTrained)
	}
}

func TestMarkTrained_StaleStampRejected(t *testing.T) {
	// Content was modified while the training run was in flight: the stamp
	// the run carries is now older than the content and must not be recorded.
	rec := types.TrainingRecord{
		WidgetID:            "wgt_1",
		LastContentModified: tsp("2026-03-01T12:00:00Z"),
	}

	_, err := MarkTrained(rec, ts("2026-03-01T10:00:00Z"))
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeConflictStaleTraining {
		t.Fatalf("err = %v, want conflict_stale_training_stamp", err)
	}
	if rec.LastTrained != nil {
		t.Error("LastTrained set despite rejection")
	}
}

func TestMarkTrained_NoRecordedModification(t *testing.T) {
	// A record with no modification stamp accepts any training stamp.
	rec := types.TrainingRecord{WidgetID: "wgt_1"}

	got, err := MarkTrained(rec, ts("2026-03-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("MarkTrained error: %v", err)
	}
	if got.LastTrained == nil {
		t.Error("LastTrained not set")
	}
}

func TestStalenessRoundTrip(t *testing.T) {
	// markTrained on unchanged content -> fresh; a later modification -> stale.
	rec := types.TrainingRecord{
		WidgetID:            "wgt_1",
		LastContentModified: tsp("2026-03-01T10:00:00Z"),
	}
	size := 5

	if !NeedsTraining(size, rec.LastContentModified, rec.LastTrained) {
		t.Fatal("untrained corpus should be stale")
	}

	rec, err := MarkTrained(rec, *rec.LastContentModified)
	if err != nil {
		t.Fatal(err)
	}
	if NeedsTraining(size, rec.LastContentModified, rec.LastTrained) {
		t.Error("corpus stale immediately after training on unchanged content")
	}

	rec = RecordContentChange(rec, ts("2026-03-02T09:00:00Z"))
	if !NeedsTraining(size, rec.LastContentModified, rec.LastTrained) {
		t.Error("corpus not stale after content modification")
	}
}
