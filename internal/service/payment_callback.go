package service

import (
	"context"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentCallback applies payment gateway outcomes to orders
type PaymentCallback struct {
	orders   *OrderService
	claimer  EventClaimer
	claimTTL time.Duration
	logger   *zap.Logger
}

// NewPaymentCallback creates a payment callback. claimer may be nil, in which
// case redelivered events are applied again.
func NewPaymentCallback(orders *OrderService, claimer EventClaimer, claimTTL time.Duration) *PaymentCallback {
	if claimTTL <= 0 {
		claimTTL = 24 * time.Hour
	}
	return &PaymentCallback{
		orders:   orders,
		claimer:  claimer,
		claimTTL: claimTTL,
		logger:   util.GetLogger(),
	}
}

// HandleOutcome maps succeeded to PAID and failed to FAILED. Canceled
// payments leave the order untouched.
func (p *PaymentCallback) HandleOutcome(ctx context.Context, outcome models.PaymentOutcome) error {
	ctx, span := util.StartSpan(ctx, "PaymentCallback.HandleOutcome",
		attribute.String("order_id", outcome.OrderID),
		attribute.String("outcome", outcome.Outcome))
	defer span.End()

	log := p.logger.With(
		zap.String("event_id", outcome.EventID),
		zap.String("order_id", outcome.OrderID),
		zap.String("outcome", outcome.Outcome))

	if outcome.OrderID == "" {
		log.Warn("Payment outcome without order id, ignoring")
		util.PaymentCallbacksTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	var status models.PaymentStatus
	switch outcome.Outcome {
	case models.PaymentOutcomeSucceeded:
		status = models.PaymentStatusPaid
	case models.PaymentOutcomeFailed:
		status = models.PaymentStatusFailed
	case models.PaymentOutcomeCanceled:
		log.Info("Payment canceled")
		util.PaymentCallbacksTotal.WithLabelValues(outcome.Outcome).Inc()
		return nil
	default:
		log.Warn("Unknown payment outcome, ignoring")
		util.PaymentCallbacksTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	claimed := false
	if p.claimer != nil && outcome.EventID != "" {
		first, err := p.claimer.ClaimEvent(ctx, outcome.EventID, p.claimTTL)
		if err != nil {
			log.Warn("Event claim unavailable, applying without dedup", zap.Error(err))
		} else if !first {
			log.Info("Duplicate payment event, ignoring")
			util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		claimed = err == nil
	}

	order, err := p.orders.UpdatePaymentStatus(ctx, outcome.OrderID, status)
	if err != nil {
		if claimed {
			if releaseErr := p.claimer.ReleaseEvent(context.WithoutCancel(ctx), outcome.EventID); releaseErr != nil {
				log.Warn("Failed to release event claim", zap.Error(releaseErr))
			}
		}
		return err
	}

	if outcome.PaymentIntentID != "" && order.PaymentIntentID == "" {
		if _, err := p.orders.AttachPaymentIntent(ctx, order.ID, outcome.PaymentIntentID, ""); err != nil {
			log.Warn("Failed to record payment intent", zap.Error(err))
		}
	}

	util.PaymentCallbacksTotal.WithLabelValues(outcome.Outcome).Inc()
	log.Info("Payment outcome applied", zap.String("payment_status", string(status)))
	return nil
}
