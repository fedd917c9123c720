package payment

import (
	"encoding/json"
	"fmt"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Stripe event types that carry a payment outcome
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventIntentCanceled  = "payment_intent.canceled"
)

// OrderIDMetadataKey is the PaymentIntent metadata key holding our order id
const OrderIDMetadataKey = "orderId"

var ErrInvalidSignature = apperr.New(apperr.KindInvalidInput, "invalid_signature", "invalid webhook signature")

// WebhookVerifier authenticates Stripe webhook deliveries and turns the
// payment intent events into payment outcomes.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies the Stripe-Signature header and decodes the event. ok is
// false for event types that do not affect orders.
func (v *WebhookVerifier) Parse(payload []byte, signatureHeader string) (outcome models.PaymentOutcome, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return models.PaymentOutcome{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var result string
	switch string(event.Type) {
	case eventIntentSucceeded:
		result = models.PaymentOutcomeSucceeded
	case eventIntentFailed:
		result = models.PaymentOutcomeFailed
	case eventIntentCanceled:
		result = models.PaymentOutcomeCanceled
	default:
		return models.PaymentOutcome{}, false, nil
	}

	if event.Data == nil {
		return models.PaymentOutcome{}, false, fmt.Errorf("%w: event %s has no data", apperr.ErrInvalidInput, event.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return models.PaymentOutcome{}, false, fmt.Errorf("%w: malformed payment intent: %v", apperr.ErrInvalidInput, err)
	}

	return models.PaymentOutcome{
		EventID:         event.ID,
		OrderID:         intent.Metadata[OrderIDMetadataKey],
		PaymentIntentID: intent.ID,
		Outcome:         result,
	}, true, nil
}
