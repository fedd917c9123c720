package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCheckout(m *store.MemoryStore, orders OrderRepository, carts CartClearer, locker CheckoutLocker, events EventPublisher) *Checkout {
	if orders == nil {
		orders = m
	}
	c := NewCheckout(m, m, orders, carts, locker, events, CheckoutConfig{})
	c.now = func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestCheckout_CreateOrderTotals(t *testing.T) {
	m := newTestStore(t)
	m.PutProduct(models.Product{ID: "p", Name: "Widget", Price: 10, AvailableQuantity: 50})
	events := &recordingPublisher{}
	checkout := newTestCheckout(m, nil, nil, nil, events)

	order, err := checkout.CreateOrder(context.Background(), "u1", CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "p", Quantity: 2}},
		ShippingAddress: testAddress,
		ShippingFee:     5,
		Tax:             1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20), order.Subtotal)
	assert.Equal(t, int64(26), order.Total)
	assert.Equal(t, order.Subtotal+order.ShippingFee+order.Tax-order.Discount, order.Total)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, testAddress, order.BillingAddress)
	assert.Regexp(t, regexp.MustCompile(`^ORD-20261015-\d{4}$`), order.OrderNumber)

	require.Len(t, order.Items, 1)
	assert.Equal(t, "Widget", order.Items[0].ProductName)
	assert.Equal(t, int64(10), order.Items[0].UnitPrice)
	assert.Equal(t, int64(20), order.Items[0].Subtotal)

	assert.Equal(t, 48, productQuantity(t, m, "p"))

	stored, err := m.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)

	require.Len(t, events.created, 1)
	assert.Equal(t, order.ID, events.created[0].OrderID)
}

func TestCheckout_SnapshotsVariantPrice(t *testing.T) {
	m := newTestStore(t)
	require.NoError(t, m.AddImage(context.Background(), &models.Image{ProductID: "shirt", URL: "a.jpg"}))
	require.NoError(t, m.AddImage(context.Background(), &models.Image{ProductID: "shirt", URL: "cover.jpg", IsCover: true}))
	checkout := newTestCheckout(m, nil, nil, nil, nil)

	order, err := checkout.CreateOrder(context.Background(), "u1", CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "shirt", VariantID: "shirt-xl", Quantity: 2}},
		ShippingAddress: testAddress,
		Discount:        1000,
		Currency:        "eur",
	})
	require.NoError(t, err)

	item := order.Items[0]
	assert.Equal(t, int64(2500), item.UnitPrice)
	assert.Equal(t, "XL / Blue", item.VariantLabel)
	assert.Equal(t, "cover.jpg", item.ProductImage)
	assert.Equal(t, int64(4000), order.Total)
	assert.Equal(t, "EUR", order.Currency)

	assert.Equal(t, 3, variantQuantity(t, m, "shirt", "shirt-xl"))
	assert.Equal(t, 6, productQuantity(t, m, "shirt"))

	m.PutProduct(models.Product{ID: "shirt", Name: "Shirt v2", Price: 9999, AvailableQuantity: 6})
	stored, err := m.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), stored.Items[0].UnitPrice)
	assert.Equal(t, "Shirt", stored.Items[0].ProductName)
}

func TestCheckout_Rejections(t *testing.T) {
	m := newTestStore(t)
	checkout := newTestCheckout(m, nil, nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		userID  string
		req     CreateOrderRequest
		wantErr error
	}{
		{"empty order", "u1", CreateOrderRequest{ShippingAddress: testAddress}, apperr.ErrEmptyOrder},
		{"unknown user", "nobody", CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 1}}}, apperr.ErrUserNotFound},
		{"unknown product", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "ghost", Quantity: 1}}}, apperr.ErrProductNotFound},
		{"zero quantity", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 0}}}, apperr.ErrInvalidQuantity},
		{"variant required", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "shirt", Quantity: 1}}}, apperr.ErrVariantRequired},
		{"unknown variant", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "shirt", VariantID: "x", Quantity: 1}}}, apperr.ErrVariantNotFound},
		{"insufficient stock", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 6}}}, apperr.ErrInsufficientStock},
		{"negative fee", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 1}}, ShippingFee: -1}, apperr.ErrNegativeAmount},
		{"negative total", "u1", CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 1}}, Discount: 5000}, apperr.ErrNegativeTotal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := checkout.CreateOrder(ctx, tc.userID, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	assert.Equal(t, 5, productQuantity(t, m, "mug"))
	orders, err := m.ListOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_IdempotencyKeyReturnsExistingOrder(t *testing.T) {
	m := newTestStore(t)
	checkout := newTestCheckout(m, nil, nil, nil, nil)
	ctx := context.Background()

	req := CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "mug", Quantity: 1}},
		ShippingAddress: testAddress,
		IdempotencyKey:  "key-1",
	}
	first, err := checkout.CreateOrder(ctx, "u1", req)
	require.NoError(t, err)
	second, err := checkout.CreateOrder(ctx, "u1", req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, productQuantity(t, m, "mug"))

	other, err := checkout.CreateOrder(ctx, "u2", req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 3, productQuantity(t, m, "mug"))
}

func TestCheckout_LockHeldIsConflict(t *testing.T) {
	m := newTestStore(t)
	locker := newMemoryLocker()
	checkout := newTestCheckout(m, nil, nil, locker, nil)
	ctx := context.Background()

	_, ok, err := locker.AcquireLock(ctx, "checkout:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	req := CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 1}}, ShippingAddress: testAddress}
	_, err = checkout.CreateOrder(ctx, "u1", req)
	assert.ErrorIs(t, err, apperr.ErrCheckoutInProgress)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = checkout.CreateOrder(ctx, "u2", req)
	require.NoError(t, err)
	assert.False(t, locker.isHeld("checkout:u2"))
}

func TestCheckout_LockBackendDownProceeds(t *testing.T) {
	m := newTestStore(t)
	locker := newMemoryLocker()
	locker.err = errors.New("connection refused")
	checkout := newTestCheckout(m, nil, nil, locker, nil)

	_, err := checkout.CreateOrder(context.Background(), "u1", CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "mug", Quantity: 1}},
		ShippingAddress: testAddress,
	})
	require.NoError(t, err)
}

type collidingOrders struct {
	OrderRepository
	collisions int
	numbers    []string
}

func (c *collidingOrders) CreateOrder(ctx context.Context, order *models.Order) error {
	c.numbers = append(c.numbers, order.OrderNumber)
	if c.collisions > 0 {
		c.collisions--
		return apperr.ErrOrderNumberTaken
	}
	return c.OrderRepository.CreateOrder(ctx, order)
}

func TestCheckout_RetriesOrderNumberCollisions(t *testing.T) {
	m := newTestStore(t)
	req := CreateOrderRequest{Items: []models.StockLine{{ProductID: "mug", Quantity: 1}}, ShippingAddress: testAddress}

	orders := &collidingOrders{OrderRepository: m, collisions: 2}
	order, err := newTestCheckout(m, orders, nil, nil, nil).CreateOrder(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Len(t, orders.numbers, 3)
	assert.Equal(t, orders.numbers[2], order.OrderNumber)

	orders = &collidingOrders{OrderRepository: m, collisions: orderNumberAttempts}
	_, err = newTestCheckout(m, orders, nil, nil, nil).CreateOrder(context.Background(), "u1", req)
	assert.ErrorIs(t, err, apperr.ErrOrderNumberTaken)
	assert.Len(t, orders.numbers, orderNumberAttempts)
	assert.Equal(t, 4, productQuantity(t, m, "mug"))
}

func TestCheckout_ClearsCart(t *testing.T) {
	m := newTestStore(t)
	carts := NewCartService(m, m, m, nil)
	checkout := newTestCheckout(m, nil, carts, nil, nil)
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "u1", "mug", 2, "")
	require.NoError(t, err)

	_, err = checkout.CreateOrder(ctx, "u1", CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "mug", Quantity: 2}},
		ShippingAddress: testAddress,
		ClearCart:       true,
	})
	require.NoError(t, err)

	count, err := carts.ItemCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCheckout_ConcurrentOrdersNeverOversell(t *testing.T) {
	m := newTestStore(t)
	checkout := newTestCheckout(m, nil, nil, nil, nil)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := checkout.CreateOrder(context.Background(), "u1", CreateOrderRequest{
				Items:           []models.StockLine{{ProductID: "mug", Quantity: 1}},
				ShippingAddress: testAddress,
			})
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
				return
			}
			mu.Lock()
			placed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, placed)
	assert.Equal(t, 0, productQuantity(t, m, "mug"))
	orders, err := m.ListOrdersByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 5)
}

func histogramSamples(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestCheckout_ObservesOrderCreateLatency(t *testing.T) {
	m := newTestStore(t)
	checkout := newTestCheckout(m, nil, nil, nil, &recordingPublisher{})

	orderBefore := histogramSamples(t, util.OrderCreateLatency)
	reserveBefore := histogramSamples(t, util.StockReserveLatency)

	_, err := checkout.CreateOrder(context.Background(), "u1", CreateOrderRequest{
		Items:           []models.StockLine{{ProductID: "pen", Quantity: 1}},
		ShippingAddress: testAddress,
	})
	require.NoError(t, err)

	assert.Equal(t, orderBefore+1, histogramSamples(t, util.OrderCreateLatency))
	assert.Equal(t, reserveBefore, histogramSamples(t, util.StockReserveLatency))
}
