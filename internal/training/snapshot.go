package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"chatforge/internal/types"
)

// writerPool provides reusable gzip writers to avoid repeated allocations
// when many widgets train in the same period.
var writerPool = sync.Pool{
	New: func() any {
		w, err := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		if err != nil {
			// BestSpeed is a valid level; this cannot fail.
			panic(fmt.Sprintf("failed to create gzip writer: %v", err))
		}
		return w
	},
}

// BuildSnapshot serializes a corpus into the unit handed to the training
// worker: gzip-compressed JSON plus the version stamp it covers. The stamp is
// the max modification timestamp across the corpus, so a later MarkTrained
// with this stamp certifies exactly the content captured here.
//
// An empty corpus is a caller error: the staleness policy never requests
// training for one.
func BuildSnapshot(corpus types.KnowledgeCorpus) (types.TrainingSnapshot, error) {
	if corpus.Size() == 0 {
		return types.TrainingSnapshot{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"cannot build a snapshot from an empty corpus",
			nil,
		)
	}

	stamp := corpus.LastContentModified()
	if stamp == nil {
		return types.TrainingSnapshot{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"corpus has no modification timestamps",
			nil,
		)
	}

	raw, err := json.Marshal(corpus)
	if err != nil {
		return types.TrainingSnapshot{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to serialize corpus for widget %s: %v", corpus.WidgetID, err),
			err,
		)
	}

	var buf bytes.Buffer
	zw := writerPool.Get().(*gzip.Writer)
	defer writerPool.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(raw); err != nil {
		return types.TrainingSnapshot{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to compress corpus for widget %s: %v", corpus.WidgetID, err),
			err,
		)
	}
	if err := zw.Close(); err != nil {
		return types.TrainingSnapshot{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to finalize corpus snapshot for widget %s: %v", corpus.WidgetID, err),
			err,
		)
	}

	return types.TrainingSnapshot{
		WidgetID:     corpus.WidgetID,
		Payload:      buf.Bytes(),
		VersionStamp: stamp.UTC(),
		EntryCount:   corpus.Size(),
	}, nil
}

// DecodeSnapshot reverses BuildSnapshot. Used by the training worker to
// recover the corpus from a dispatched snapshot.
func DecodeSnapshot(payload []byte) (types.KnowledgeCorpus, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return types.KnowledgeCorpus{}, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("snapshot payload is not gzip: %v", err),
			err,
		)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return types.KnowledgeCorpus{}, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("failed to decompress snapshot payload: %v", err),
			err,
		)
	}

	var corpus types.KnowledgeCorpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		return types.KnowledgeCorpus{}, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("failed to parse snapshot corpus: %v", err),
			err,
		)
	}

	return corpus, nil
}
