// Package dispatch moves side-effect descriptors produced by the entitlement
// engine onto SQS for asynchronous execution, and hosts the worker loop that
// consumes them. Delivery is at-least-once: executors must tolerate replays,
// and messages that keep failing land on the DLQ via the queue's redrive
// policy.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"chatforge/internal/config"
	"chatforge/internal/types"
)

// Envelope wraps a SideEffect on the wire with dispatch metadata.
type Envelope struct {
	EffectID     string           `json:"effect_id"`
	Family       string           `json:"family"`
	DispatchedAt time.Time        `json:"dispatched_at"`
	Effect       types.SideEffect `json:"effect"`
}

// Effect families, carried as the "family" message attribute so queue
// consumers and redrive alarms can tell billing traffic from notifications.
const (
	FamilyBilling = "billing"
	FamilyNotify  = "notify"
)

// familyFor classifies an effect kind. Checkout kinds return "" because they
// are never enqueued: the checkout URL has to travel back to the caller in
// the same HTTP response, so handlers execute them inline.
func familyFor(kind types.SideEffectKind) string {
	switch kind {
	case types.EffectCancelSubscription, types.EffectCancelAddon:
		return FamilyBilling
	case types.EffectNotifyActivation:
		return FamilyNotify
	default:
		return ""
	}
}

// SQSSender abstracts the SQS send operations for testability. Production
// code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Dispatcher enqueues asynchronous side effects on the effects queue.
type Dispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher sending to the configured effects queue.
func NewDispatcher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		queueURL: awsCfg.EffectsQueueURL,
		logger:   logger,
	}
}

// Dispatch enqueues every asynchronous effect in the slice. Checkout effects
// are skipped: the handler has already executed those inline. Messages are
// chunked into groups of 10 per SQS call (the SQS maximum), and any partial
// failure is surfaced as an error so the caller can retry the whole set; the
// worker side is idempotent, so re-sending an already-delivered effect is
// harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []types.SideEffect) error {
	envelopes := make([]Envelope, 0, len(effects))
	for _, effect := range effects {
		family := familyFor(effect.Kind)
		if family == "" {
			continue
		}
		envelopes = append(envelopes, Envelope{
			EffectID:     uuid.New().String(),
			Family:       family,
			DispatchedAt: time.Now().UTC(),
			Effect:       effect,
		})
	}
	if len(envelopes) == 0 {
		return nil
	}

	const maxBatchSize = 10
	for i := 0; i < len(envelopes); i += maxBatchSize {
		select {
		case <-ctx.Done():
			return types.NewAppError(types.ErrCodeUpstreamQueue, "context cancelled during effect dispatch", ctx.Err())
		default:
		}

		end := i + maxBatchSize
		if end > len(envelopes) {
			end = len(envelopes)
		}

		chunk := envelopes[i:end]
		entries := make([]sqsTypes.SendMessageBatchRequestEntry, len(chunk))
		for j, env := range chunk {
			body, err := json.Marshal(env)
			if err != nil {
				return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode effect envelope", err)
			}
			entries[j] = sqsTypes.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("effect-%d", i+j)),
				MessageBody: aws.String(string(body)),
				MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
					"family": {
						DataType:    aws.String("String"),
						StringValue: aws.String(env.Family),
					},
					"kind": {
						DataType:    aws.String("String"),
						StringValue: aws.String(string(env.Effect.Kind)),
					},
					"widget_id": {
						DataType:    aws.String("String"),
						StringValue: aws.String(env.Effect.WidgetID),
					},
				},
			}
		}

		output, err := d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(d.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to enqueue side effects", err)
		}
		if len(output.Failed) > 0 {
			first := output.Failed[0]
			return types.NewAppError(
				types.ErrCodeUpstreamQueue,
				fmt.Sprintf("%d side effects failed to enqueue, first: code=%s, message=%s",
					len(output.Failed), aws.ToString(first.Code), aws.ToString(first.Message)),
				nil,
			)
		}

		for _, env := range chunk {
			d.logger.InfoContext(ctx, "side effect enqueued",
				"effect_id", env.EffectID,
				"family", env.Family,
				"kind", string(env.Effect.Kind),
				"widget_id", env.Effect.WidgetID,
			)
		}
	}

	return nil
}

// SQSInspector abstracts the queue attribute lookup used by the health probe.
type SQSInspector interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// QueueProbe reports the reachability of the effects queue for the health
// endpoint. It satisfies core.HealthProbe.
type QueueProbe struct {
	Client   SQSInspector
	QueueURL string
}

func (p *QueueProbe) Name() string { return "effects_queue" }

func (p *QueueProbe) Check(ctx context.Context) error {
	_, err := p.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.QueueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("effects queue unreachable: %w", err)
	}
	return nil
}
