package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"chatforge/internal/config"
	"chatforge/internal/types"
)

// SQSReceiver abstracts the SQS consume operations for testability.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// BillingExecutor executes billing-family effects against the payment
// provider. Implemented by external.StripeClient.
type BillingExecutor interface {
	CancelSubscription(ctx context.Context, widgetID string) error
	CancelAddonSubscription(ctx context.Context, widgetID, addonID string, atPeriodEnd bool) error
}

// ActivationExecutor delivers activation notifications. Implemented by
// external.ActivationNotifier.
type ActivationExecutor interface {
	NotifyActivation(ctx context.Context, widgetID string, plan types.Plan) error
}

// Worker is the long-poll consumer for the effects queue. Execution failures
// leave the message in flight so SQS redelivers it after the visibility
// timeout; messages that exhaust the redrive policy's receive count move to
// the DLQ. Malformed or non-executable messages are deleted immediately so a
// poison message cannot wedge the queue.
type Worker struct {
	client   SQSReceiver
	queueURL string
	billing  BillingExecutor
	notify   ActivationExecutor
	logger   *slog.Logger

	waitTimeSeconds int32
	maxMessages     int32
	errorBackoff    time.Duration
	sleepFn         func(time.Duration)
}

// NewWorker creates a Worker polling the configured effects queue.
func NewWorker(
	client SQSReceiver,
	awsCfg config.AWSConfig,
	billing BillingExecutor,
	notify ActivationExecutor,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:          client,
		queueURL:        awsCfg.EffectsQueueURL,
		billing:         billing,
		notify:          notify,
		logger:          logger,
		waitTimeSeconds: 20,
		maxMessages:     10,
		errorBackoff:    5 * time.Second,
		sleepFn:         time.Sleep,
	}
}

// Run polls the queue until ctx is cancelled. Receive failures are logged
// and retried after a short backoff rather than terminating the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "effects worker started", "queue_url", w.queueURL)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "effects worker stopping")
			return ctx.Err()
		default:
		}

		output, err := w.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: w.maxMessages,
			WaitTimeSeconds:     w.waitTimeSeconds,
			AttributeNames: []sqsTypes.QueueAttributeName{
				sqsTypes.QueueAttributeName(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount),
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "receive from effects queue failed", "error", err)
			w.sleepFn(w.errorBackoff)
			continue
		}

		for _, msg := range output.Messages {
			w.processMessage(ctx, msg)
		}
	}
}

// processMessage executes one effect and deletes the message on success.
func (w *Worker) processMessage(ctx context.Context, msg sqsTypes.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		w.logger.ErrorContext(ctx, "discarding malformed effect message",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
		w.deleteMessage(ctx, msg)
		return
	}

	logger := w.logger.With(
		"effect_id", env.EffectID,
		"kind", string(env.Effect.Kind),
		"widget_id", env.Effect.WidgetID,
		"receive_count", msg.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)],
	)

	if err := w.execute(ctx, env.Effect); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && !appErr.Code.IsUpstream() {
			// Non-transient failure: retrying will not help.
			logger.ErrorContext(ctx, "discarding non-retryable effect", "error", err)
			w.deleteMessage(ctx, msg)
			return
		}
		// Leave the message in flight; SQS redelivers after the visibility
		// timeout and the redrive policy moves repeat offenders to the DLQ.
		logger.WarnContext(ctx, "effect execution failed, leaving for redelivery", "error", err)
		return
	}

	logger.InfoContext(ctx, "side effect executed")
	w.deleteMessage(ctx, msg)
}

// execute routes an effect to its executor.
func (w *Worker) execute(ctx context.Context, effect types.SideEffect) error {
	switch effect.Kind {
	case types.EffectCancelSubscription:
		return w.billing.CancelSubscription(ctx, effect.WidgetID)
	case types.EffectCancelAddon:
		return w.billing.CancelAddonSubscription(ctx, effect.WidgetID, effect.AddonID, effect.EffectiveAtPeriodEnd)
	case types.EffectNotifyActivation:
		return w.notify.NotifyActivation(ctx, effect.WidgetID, effect.Plan)
	default:
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("effect kind %q is not executable asynchronously", effect.Kind),
			nil,
		)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, msg sqsTypes.Message) {
	_, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The effect already ran; redelivery is absorbed by executor idempotency.
		w.logger.ErrorContext(ctx, "failed to delete processed message",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
	}
}
