package external

import (
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"chatforge/internal/types"
)

// StripeWebhookVerifier validates inbound Stripe webhook payloads using
// stripe-go's signature verification: HMAC-SHA256 over the timestamped
// payload with replay protection via the default timestamp tolerance.
type StripeWebhookVerifier struct {
	secret string
}

// NewStripeWebhookVerifier creates a verifier bound to the endpoint's
// signing secret.
func NewStripeWebhookVerifier(secret types.SecretString) *StripeWebhookVerifier {
	return &StripeWebhookVerifier{secret: secret.Unmask()}
}

// VerifyAndParse checks the Stripe-Signature header against the payload and
// returns the parsed event. A bad or expired signature maps to
// auth_token_invalid so the webhook endpoint answers 401.
func (v *StripeWebhookVerifier) VerifyAndParse(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, v.secret)
	if err != nil {
		return stripe.Event{}, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		)
	}
	return event, nil
}
