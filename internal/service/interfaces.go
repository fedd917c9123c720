package service

import (
	"context"
	"time"

	"commerce-service/internal/models"
)

// UserDirectory resolves the owner of carts and orders
type UserDirectory interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// ProductCatalog reads live product data
type ProductCatalog interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	GetCoverImage(ctx context.Context, productID string) (string, error)
}

// StockStore applies stock mutations. ReserveStock must apply every line or
// none, and must never take a counter below zero.
type StockStore interface {
	ReserveStock(ctx context.Context, lines []models.StockLine) error
	RestoreStock(ctx context.Context, lines []models.StockLine) (skipped []string, err error)
	AdjustStock(ctx context.Context, productID string, delta int) (int, error)
	AdjustVariantStock(ctx context.Context, productID, variantID string, delta int) (int, error)
	SetStock(ctx context.Context, productID string, quantity int) error
	ListLowStockProducts(ctx context.Context, threshold int) ([]models.Product, error)
	ListOutOfStockProducts(ctx context.Context) ([]models.Product, error)
	ListLowStockVariants(ctx context.Context, threshold int) ([]models.StockReport, error)
}

type CartRepository interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
}

// OrderRepository persists orders. CreateOrder reserves the order's stock in
// the same unit of work as the order itself.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	UpdateOrder(ctx context.Context, id string, mutate models.OrderMutation) (*models.Order, error)
}

// CartClearer empties a user's cart after checkout
type CartClearer interface {
	Clear(ctx context.Context, userID string) error
}

type CartCache interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	SetCart(ctx context.Context, cart *models.Cart) error
	DeleteCart(ctx context.Context, userID string) error
}

type CheckoutLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventClaimer deduplicates inbound events. A claim is released when the
// event could not be applied, so a redelivery gets another chance.
type EventClaimer interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusEvent) error
	PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (noopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusEvent) error {
	return nil
}

func (noopPublisher) PublishPaymentStatusChanged(context.Context, *models.PaymentStatusEvent) error {
	return nil
}

func (noopPublisher) PublishStockAdjusted(context.Context, *models.StockAdjustedEvent) error {
	return nil
}

func publisherOrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
