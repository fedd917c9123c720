package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const orderNumberAttempts = 3

// CreateOrderRequest is the checkout input. Amounts are in minor units.
type CreateOrderRequest struct {
	Items           []models.StockLine `json:"items" binding:"dive"`
	ShippingAddress models.Address     `json:"shipping_address"`
	BillingAddress  *models.Address    `json:"billing_address,omitempty"`
	ShippingFee     int64              `json:"shipping_fee"`
	Tax             int64              `json:"tax"`
	Discount        int64              `json:"discount"`
	Currency        string             `json:"currency,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	PaymentMethod   string             `json:"payment_method,omitempty"`
	ClearCart       bool               `json:"clear_cart"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
}

// CheckoutConfig carries the business settings of checkout
type CheckoutConfig struct {
	OrderNumberPrefix string
	DefaultCurrency   string
	LockTTL           time.Duration
}

// Checkout turns a list of lines into an order. The order, its items and the
// stock reservation are written in one storage transaction.
type Checkout struct {
	users   UserDirectory
	catalog ProductCatalog
	orders  OrderRepository
	carts   CartClearer
	locker  CheckoutLocker
	events  EventPublisher
	cfg     CheckoutConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewCheckout creates a checkout orchestrator. locker may be nil.
func NewCheckout(
	users UserDirectory,
	catalog ProductCatalog,
	orders OrderRepository,
	carts CartClearer,
	locker CheckoutLocker,
	events EventPublisher,
	cfg CheckoutConfig,
) *Checkout {
	if cfg.OrderNumberPrefix == "" {
		cfg.OrderNumberPrefix = "ORD"
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Checkout{
		users:   users,
		catalog: catalog,
		orders:  orders,
		carts:   carts,
		locker:  locker,
		events:  publisherOrNoop(events),
		cfg:     cfg,
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// CreateOrder validates the request against live products and stock, prices
// it, and persists the order together with its stock reservation.
func (c *Checkout) CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Checkout.CreateOrder",
		attribute.String("user_id", userID),
		attribute.Int("lines", len(req.Items)))
	defer func() { util.EndSpan(span, err) }()

	if len(req.Items) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_order").Inc()
		return nil, apperr.ErrEmptyOrder
	}
	if req.ShippingFee < 0 || req.Tax < 0 || req.Discount < 0 {
		return nil, apperr.ErrNegativeAmount
	}

	if _, err := c.users.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := c.orders.GetOrderByIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			c.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return existing, nil
		}
	}

	release, err := c.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	items, err := c.snapshotItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(apperr.CodeOf(err)).Inc()
		return nil, err
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.Subtotal
	}
	total := subtotal + req.ShippingFee + req.Tax - req.Discount
	if total < 0 {
		util.OrdersFailedTotal.WithLabelValues("negative_total").Inc()
		return nil, apperr.ErrNegativeTotal
	}

	billing := req.ShippingAddress
	if req.BillingAddress != nil && !req.BillingAddress.IsZero() {
		billing = *req.BillingAddress
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = c.cfg.DefaultCurrency
	}

	order = &models.Order{
		ID:              uuid.New().String(),
		UserID:          userID,
		Subtotal:        subtotal,
		Tax:             req.Tax,
		ShippingFee:     req.ShippingFee,
		Discount:        req.Discount,
		Total:           total,
		Currency:        currency,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		PaymentMethod:   req.PaymentMethod,
		Notes:           req.Notes,
		IdempotencyKey:  req.IdempotencyKey,
		Items:           items,
	}

	if err := c.persist(ctx, order); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) && req.IdempotencyKey != "" {
			// a concurrent request with the same key won
			existing, lookupErr := c.orders.GetOrderByIdempotencyKey(ctx, userID, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues(apperr.CodeOf(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	c.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.Total))

	c.publishCreated(ctx, order)

	if req.ClearCart && c.carts != nil {
		if err := c.carts.Clear(ctx, userID); err != nil {
			c.logger.Error("Failed to clear cart after checkout",
				zap.String("user_id", userID),
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}

	return order, nil
}

// snapshotItems resolves every line against the live catalog and captures the
// price, name, image and variant label at this moment.
func (c *Checkout) snapshotItems(ctx context.Context, lines []models.StockLine) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s", apperr.ErrInvalidQuantity, line.ProductID)
		}

		product, err := c.catalog.GetProductByID(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if product.HasVariants() && line.VariantID == "" {
			return nil, fmt.Errorf("%w: %s", apperr.ErrVariantRequired, product.Name)
		}

		item := models.OrderItem{
			ID:          uuid.New().String(),
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    line.Quantity,
		}

		available := product.AvailableQuantity
		if line.VariantID != "" {
			v, ok := product.FindVariant(line.VariantID)
			if !ok {
				return nil, fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, line.VariantID)
			}
			available = v.Stock
			item.VariantID = v.ID
			item.VariantLabel = v.Label()
			item.UnitPrice += v.PriceModifier
		}
		if available < line.Quantity {
			return nil, fmt.Errorf("%w: insufficient stock for %s", apperr.ErrInsufficientStock, product.Name)
		}

		image, err := c.catalog.GetCoverImage(ctx, product.ID)
		if err != nil {
			c.logger.Warn("Failed to load cover image", zap.String("product_id", product.ID), zap.Error(err))
		}
		item.ProductImage = image
		item.Subtotal = item.UnitPrice * int64(item.Quantity)

		items = append(items, item)
	}
	return items, nil
}

// persist writes the order, drawing a fresh order number on collision
func (c *Checkout) persist(ctx context.Context, order *models.Order) error {
	start := time.Now()
	defer func() {
		util.OrderCreateLatency.Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		order.OrderNumber = c.orderNumber()
		err = c.orders.CreateOrder(ctx, order)
		if !errors.Is(err, apperr.ErrOrderNumberTaken) {
			break
		}
		c.logger.Warn("Order number collision, retrying",
			zap.String("order_number", order.OrderNumber),
			zap.Int("attempt", attempt+1))
	}
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientStock) {
			util.StockReservationsFailed.WithLabelValues(apperr.CodeOf(err)).Inc()
		}
		return err
	}
	return nil
}

// orderNumber formats <PREFIX>-<YYYYMMDD>-<4 digits>
func (c *Checkout) orderNumber() string {
	return fmt.Sprintf("%s-%s-%04d", c.cfg.OrderNumberPrefix, c.now().UTC().Format("20060102"), rand.Intn(10000))
}

// lock serializes checkouts of one user. Without a locker, or when the lock
// backend is unreachable, checkout proceeds unlocked.
func (c *Checkout) lock(ctx context.Context, userID string) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}

	key := "checkout:" + userID
	token, ok, err := c.locker.AcquireLock(ctx, key, c.cfg.LockTTL)
	if err != nil {
		c.logger.Warn("Checkout lock unavailable, continuing without it", zap.String("user_id", userID), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, apperr.ErrCheckoutInProgress
	}

	return func() {
		if err := c.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			c.logger.Warn("Failed to release checkout lock", zap.String("user_id", userID), zap.Error(err))
		}
	}, nil
}

func (c *Checkout) publishCreated(ctx context.Context, order *models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Total:       order.Total,
		Currency:    order.Currency,
		Items:       items,
	}
	if err := c.events.PublishOrderCreated(ctx, event); err != nil {
		c.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID), zap.Error(err))
	}
}
