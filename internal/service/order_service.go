package service

import (
	"context"
	"fmt"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService drives the order status and payment status state machines.
// Every transition into CANCELLED or REFUNDED gives the order's stock back,
// once, in the same unit of work as the status write.
type OrderService struct {
	orders OrderRepository
	events EventPublisher
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderRepository, events EventPublisher) *OrderService {
	return &OrderService{
		orders: orders,
		events: publisherOrNoop(events),
		logger: util.GetLogger(),
	}
}

// GetOrder returns any order
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

// GetOrderForUser returns an order only to its owner. Other users get
// ErrOrderNotFound so order ids cannot be enumerated.
func (s *OrderService) GetOrderForUser(ctx context.Context, orderID, userID string) (*models.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ListOrdersForUser returns a user's orders, newest first
func (s *OrderService) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.orders.ListOrdersByUser(ctx, userID)
}

// ListOrders returns all orders, optionally filtered by status
func (s *OrderService) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidStatus, status)
	}
	return s.orders.ListOrders(ctx, status)
}

// UpdateStatus moves a non-terminal order to any status
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus",
		attribute.String("order_id", orderID),
		attribute.String("status", string(status)))
	defer span.End()

	if !status.Valid() {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidStatus, status)
	}

	var previous models.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(o *models.Order) (bool, error) {
		if o.Status.Terminal() {
			return false, fmt.Errorf("%w: cannot update status for %s order", apperr.ErrInvalidTransition, o.Status)
		}
		previous = o.Status
		now := time.Now().UTC()

		o.Status = status
		switch status {
		case models.OrderStatusDelivered:
			o.DeliveredAt = &now
		case models.OrderStatusCancelled:
			o.CancelledAt = &now
		}
		return status.Terminal(), nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, order, previous)
	return order, nil
}

// Cancel lets the owner cancel an order that has not shipped yet
func (s *OrderService) Cancel(ctx context.Context, orderID, userID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel", attribute.String("order_id", orderID))
	defer span.End()

	var previous models.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(o *models.Order) (bool, error) {
		if o.UserID != userID {
			return false, apperr.ErrForbidden
		}
		if o.Status != models.OrderStatusPending && o.Status != models.OrderStatusProcessing {
			return false, fmt.Errorf("%w: order cannot be cancelled at %s stage", apperr.ErrInvalidTransition, o.Status)
		}
		previous = o.Status
		now := time.Now().UTC()

		o.Status = models.OrderStatusCancelled
		o.CancelledAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, order, previous)
	return order, nil
}

// Refund refunds a paid order
func (s *OrderService) Refund(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Refund", attribute.String("order_id", orderID))
	defer span.End()

	var previous models.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(o *models.Order) (bool, error) {
		if o.PaymentStatus != models.PaymentStatusPaid {
			return false, fmt.Errorf("%w: only paid orders can be refunded", apperr.ErrInvalidState)
		}
		previous = o.Status
		now := time.Now().UTC()

		o.Status = models.OrderStatusRefunded
		o.PaymentStatus = models.PaymentStatusRefunded
		o.RefundedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, order, previous)
	s.publishPayment(ctx, order)
	return order, nil
}

// UpdatePaymentStatus sets the payment status independently of the order status
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, orderID string, status models.PaymentStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdatePaymentStatus",
		attribute.String("order_id", orderID),
		attribute.String("payment_status", string(status)))
	defer span.End()

	if !status.Valid() {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidStatus, status)
	}

	order, err := s.orders.UpdateOrder(ctx, orderID, func(o *models.Order) (bool, error) {
		o.PaymentStatus = status
		if status == models.PaymentStatusRefunded {
			now := time.Now().UTC()
			o.RefundedAt = &now
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payment status updated",
		zap.String("order_id", order.ID),
		zap.String("payment_status", string(status)))
	s.publishPayment(ctx, order)
	return order, nil
}

// AttachPaymentIntent records the gateway intent created for an order
func (s *OrderService) AttachPaymentIntent(ctx context.Context, orderID, intentID, method string) (*models.Order, error) {
	return s.orders.UpdateOrder(ctx, orderID, func(o *models.Order) (bool, error) {
		o.PaymentIntentID = intentID
		if method != "" {
			o.PaymentMethod = method
		}
		return false, nil
	})
}

func (s *OrderService) recordTransition(ctx context.Context, order *models.Order, previous models.OrderStatus) {
	util.OrderStatusTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	switch order.Status {
	case models.OrderStatusCancelled:
		util.OrdersCancelledTotal.Inc()
	case models.OrderStatusRefunded:
		util.OrdersRefundedTotal.Inc()
	}

	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(order.Status)),
		zap.Bool("stock_released", order.StockReleased))

	event := &models.OrderStatusEvent{
		OrderID:        order.ID,
		PreviousStatus: previous,
		Status:         order.Status,
		StockReleased:  order.StockReleased,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *OrderService) publishPayment(ctx context.Context, order *models.Order) {
	event := &models.PaymentStatusEvent{
		OrderID:       order.ID,
		PaymentStatus: order.PaymentStatus,
	}
	if err := s.events.PublishPaymentStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentStatusChanged event", zap.String("order_id", order.ID), zap.Error(err))
	}
}
