package worker

import (
	"context"

	"commerce-service/internal/apperr"
	"commerce-service/internal/broker"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming side of a topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// OutcomeHandler applies a payment outcome to its order
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, outcome models.PaymentOutcome) error
}

// PaymentWorker consumes the payment events topic and feeds every outcome to
// the payment callback
type PaymentWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer MessageSource, callback OutcomeHandler) *PaymentWorker {
	w := &PaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		logger:       util.ComponentLogger("payment-worker"),
	}

	w.eventHandler.OnPayment(func(ctx context.Context, outcome models.PaymentOutcome) error {
		err := callback.HandleOutcome(ctx, outcome)
		if err != nil && apperr.KindOf(err) != apperr.KindInternal {
			// redelivery cannot fix a domain rejection
			w.logger.Warn("Payment event rejected, skipping",
				zap.String("event_id", outcome.EventID),
				zap.String("order_id", outcome.OrderID),
				zap.Error(err))
			return nil
		}
		return err
	})

	return w
}

// Start blocks until ctx is done
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}
