package external

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatforge/internal/types"
)

// ActivationNotifier executes the notify_activation side effect: it posts a
// signed activation event to the dashboard's notification endpoint so the
// customer-facing UI can react to a completed subscription.
type ActivationNotifier struct {
	base     *BaseClient
	endpoint string
	secret   string
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewActivationNotifier creates a notifier posting to the given endpoint.
// When secret is non-empty, payloads are signed with HMAC-SHA256 in the
// X-Chatforge-Signature header (t=<unix>,v1=<hex>) over "{t}.{payload}".
func NewActivationNotifier(
	httpClient *http.Client,
	endpoint string,
	secret types.SecretString,
	logger *slog.Logger,
) *ActivationNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	base := NewBaseClient(
		httpClient,
		"activation-notify",
		DefaultRetryPolicy(),
		"Chatforge/1.0",
		types.ErrCodeUpstreamNotify,
	)
	return &ActivationNotifier{
		base:     base,
		endpoint: endpoint,
		secret:   secret.Unmask(),
		logger:   logger,
		nowFn:    time.Now,
	}
}

// activationEvent is the JSON body delivered to the dashboard.
type activationEvent struct {
	Event      string    `json:"event"`
	WidgetID   string    `json:"widget_id"`
	Plan       types.Plan `json:"plan"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotifyActivation delivers a widget.activated event. Transport failures map
// to upstream_notify_unavailable through BaseClient; a non-2xx response from
// the dashboard is an error so the dispatch layer can retry the effect.
func (n *ActivationNotifier) NotifyActivation(ctx context.Context, widgetID string, plan types.Plan) error {
	payload, err := json.Marshal(activationEvent{
		Event:      "widget.activated",
		WidgetID:   widgetID,
		Plan:       plan,
		OccurredAt: n.nowFn().UTC(),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode activation event", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build activation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chatforge-Event", "widget.activated")

	if n.secret != "" {
		ts := n.nowFn().Unix()
		req.Header.Set("X-Chatforge-Signature",
			fmt.Sprintf("t=%d,v1=%s", ts, signPayload(payload, ts, n.secret)))
	}

	resp, err := n.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return types.NewAppError(
			types.ErrCodeUpstreamNotify,
			fmt.Sprintf("activation endpoint returned %d", resp.StatusCode),
			nil,
		)
	}

	n.logger.InfoContext(ctx, "activation notification delivered",
		"widget_id", widgetID,
		"plan", string(plan),
	)
	return nil
}

// signPayload computes the v1 HMAC-SHA256 signature over "{ts}.{payload}".
func signPayload(payload []byte, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
