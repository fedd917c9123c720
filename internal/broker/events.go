package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes ORDER_CREATED
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeOrderCreated)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes a status transition. Cancellations and
// refunds get their own event types.
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusEvent) error {
	eventType := models.EventTypeOrderStatusChanged
	switch event.Status {
	case models.OrderStatusCancelled:
		eventType = models.EventTypeOrderCancelled
	case models.OrderStatusRefunded:
		eventType = models.EventTypeOrderRefunded
	}
	stamp(&event.BaseEvent, eventType)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentStatusChanged publishes PAYMENT_STATUS_CHANGED
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusEvent) error {
	stamp(&event.BaseEvent, models.EventTypePaymentStatusChanged)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockAdjusted publishes STOCK_ADJUSTED keyed by product
func (ep *EventPublisher) PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeStockAdjusted)
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("product-%s", event.ProductID), event)
}

func stamp(base *models.BaseEvent, eventType string) {
	base.EventType = eventType
	if base.EventID == "" {
		base.EventID = uuid.New().String()
	}
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now().UTC()
	}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPayment func(context.Context, models.PaymentOutcome) error
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("event-handler")}
}

// OnPayment registers the handler for payment outcome events
func (eh *EventHandler) OnPayment(handler func(context.Context, models.PaymentOutcome) error) {
	eh.onPayment = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// unparseable messages are committed and skipped
		eh.logger.Error("dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	var outcome string
	switch baseEvent.EventType {
	case models.EventTypePaymentSucceeded:
		outcome = models.PaymentOutcomeSucceeded
	case models.EventTypePaymentFailed:
		outcome = models.PaymentOutcomeFailed
	case models.EventTypePaymentCanceled:
		outcome = models.PaymentOutcomeCanceled
	default:
		eh.logger.Debug("unhandled event type", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	if eh.onPayment == nil {
		return nil
	}

	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eh.logger.Error("dropping malformed payment event", zap.String("event_id", baseEvent.EventID), zap.Error(err))
		return nil
	}

	return eh.onPayment(ctx, models.PaymentOutcome{
		EventID:         event.EventID,
		OrderID:         event.OrderID,
		PaymentIntentID: event.PaymentIntentID,
		Outcome:         outcome,
	})
}
