package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const orderColumns = `id, order_number, user_id, subtotal, tax, shipping_fee, discount, total, currency,
	status, payment_status, shipping_address, billing_address, payment_method, payment_intent_id,
	notes, idempotency_key, stock_released, delivered_at, cancelled_at, refunded_at, created_at, updated_at`

const orderItemColumns = `id, order_id, product_id, variant_id, product_name, unit_price, quantity,
	subtotal, product_image, variant_label`

const (
	orderNumberConstraint    = "orders_order_number_key"
	idempotencyKeyConstraint = "orders_idempotency_key_idx"
)

// CreateOrder reserves the order's stock and writes the order with its items
// in a single transaction. Nothing is persisted if any step fails.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := reserveLinesTx(ctx, tx, order.StockLines()); err != nil {
			return err
		}

		query := `
			INSERT INTO orders (id, order_number, user_id, subtotal, tax, shipping_fee, discount, total,
				currency, status, payment_status, shipping_address, billing_address, payment_method,
				payment_intent_id, notes, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING created_at, updated_at`

		row := tx.QueryRowxContext(ctx, query,
			order.ID, order.OrderNumber, order.UserID, order.Subtotal, order.Tax, order.ShippingFee,
			order.Discount, order.Total, order.Currency, order.Status, order.PaymentStatus,
			order.ShippingAddress, order.BillingAddress, order.PaymentMethod, order.PaymentIntentID,
			order.Notes, order.IdempotencyKey)
		if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
			return mapOrderWriteError(err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (id, order_id, line_no, product_id, variant_id, product_name,
					unit_price, quantity, subtotal, product_image, variant_label)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				item.ID, item.OrderID, i, item.ProductID, item.VariantID, item.ProductName,
				item.UnitPrice, item.Quantity, item.Subtotal, item.ProductImage, item.VariantLabel)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, s.db, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns the user's order created with key, or nil
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, s.db, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser returns a user's orders, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	return orders, s.attachItems(ctx, orders)
}

// ListOrders returns all orders, optionally filtered by status, newest first
func (s *Store) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var orders []models.Order
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &orders,
			"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC")
	} else {
		err = s.db.SelectContext(ctx, &orders,
			"SELECT "+orderColumns+" FROM orders WHERE status = $1 ORDER BY created_at DESC", status)
	}
	if err != nil {
		return nil, err
	}
	return orders, s.attachItems(ctx, orders)
}

// UpdateOrder locks the order row, applies mutate and writes the mutable
// fields back. When mutate asks for a release and the order's stock is still
// held, the stock is restored in the same transaction.
func (s *Store) UpdateOrder(ctx context.Context, id string, mutate models.OrderMutation) (*models.Order, error) {
	var order models.Order
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := s.loadItems(ctx, tx, &order); err != nil {
			return err
		}

		release, err := mutate(&order)
		if err != nil {
			return err
		}

		if release && !order.StockReleased {
			skipped, err := restoreLinesTx(ctx, tx, order.StockLines())
			if err != nil {
				return err
			}
			for _, productID := range skipped {
				s.logger.Warn("product missing while restoring stock",
					zap.String("order_id", order.ID),
					zap.String("product_id", productID))
			}
			order.StockReleased = true
		}

		err = tx.GetContext(ctx, &order.UpdatedAt, `
			UPDATE orders
			SET status = $1, payment_status = $2, payment_method = $3, payment_intent_id = $4,
				stock_released = $5, delivered_at = $6, cancelled_at = $7, refunded_at = $8,
				updated_at = NOW()
			WHERE id = $9
			RETURNING updated_at`,
			order.Status, order.PaymentStatus, order.PaymentMethod, order.PaymentIntentID,
			order.StockReleased, order.DeliveredAt, order.CancelledAt, order.RefundedAt, order.ID)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) loadItems(ctx context.Context, q sqlx.QueryerContext, order *models.Order) error {
	order.Items = nil
	err := sqlx.SelectContext(ctx, q, &order.Items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY line_no", order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	return nil
}

// attachItems loads the items of several orders in one query
func (s *Store) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	for _, item := range items {
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return nil
}

// mapOrderWriteError tells order number collisions apart from other conflicts
func mapOrderWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case orderNumberConstraint:
			return apperr.ErrOrderNumberTaken
		case idempotencyKeyConstraint:
			return fmt.Errorf("%w: idempotency key", apperr.ErrDuplicate)
		}
	}
	return mapWriteError(err)
}
