package store

import (
	"context"
	"sync"
	"testing"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	m.PutUser(models.User{ID: "u1", Email: "u1@example.com", Name: "Ann"})
	m.PutProduct(models.Product{ID: "p1", Name: "Mug", Price: 1000, AvailableQuantity: 5})
	m.PutProduct(models.Product{
		ID: "p2", Name: "Shirt", Price: 2000, AvailableQuantity: 8,
		Variants: []models.Variant{
			{ID: "v1", Size: "M", Color: "Red", SKU: "SHIRT-M-RED", Stock: 3},
			{ID: "v2", Size: "L", Color: "Blue", SKU: "SHIRT-L-BLUE", Stock: 5},
		},
	})
	return m
}

func quantityOf(t *testing.T, m *MemoryStore, productID string) int {
	t.Helper()
	p, err := m.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	return p.AvailableQuantity
}

func variantStock(t *testing.T, m *MemoryStore, productID, variantID string) int {
	t.Helper()
	p, err := m.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	v, ok := p.FindVariant(variantID)
	require.True(t, ok)
	return v.Stock
}

func TestMemoryStore_ReserveAndRestoreAreInverse(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	lines := []models.StockLine{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", VariantID: "v1", Quantity: 3},
	}

	require.NoError(t, m.ReserveStock(ctx, lines))
	assert.Equal(t, 3, quantityOf(t, m, "p1"))
	assert.Equal(t, 5, quantityOf(t, m, "p2"))
	assert.Equal(t, 0, variantStock(t, m, "p2", "v1"))

	skipped, err := m.RestoreStock(ctx, lines)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, 5, quantityOf(t, m, "p1"))
	assert.Equal(t, 8, quantityOf(t, m, "p2"))
	assert.Equal(t, 3, variantStock(t, m, "p2", "v1"))
}

func TestMemoryStore_ReserveIsAllOrNothing(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	err := m.ReserveStock(ctx, []models.StockLine{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", VariantID: "v1", Quantity: 4},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 5, quantityOf(t, m, "p1"))
	assert.Equal(t, 8, quantityOf(t, m, "p2"))

	// the same product twice must be checked against the running total
	err = m.ReserveStock(ctx, []models.StockLine{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p1", Quantity: 3},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 5, quantityOf(t, m, "p1"))
}

func TestMemoryStore_ReserveClassifiesMisses(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	err := m.ReserveStock(ctx, []models.StockLine{{ProductID: "nope", Quantity: 1}})
	assert.ErrorIs(t, err, apperr.ErrProductNotFound)

	err = m.ReserveStock(ctx, []models.StockLine{{ProductID: "p2", VariantID: "nope", Quantity: 1}})
	assert.ErrorIs(t, err, apperr.ErrVariantNotFound)
}

func TestMemoryStore_ConcurrentReserveNeverOversells(t *testing.T) {
	m := NewMemoryStore()
	m.PutProduct(models.Product{ID: "last", Name: "Last one", Price: 100, AvailableQuantity: 1})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.ReserveStock(ctx, []models.StockLine{{ProductID: "last", Quantity: 1}}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, quantityOf(t, m, "last"))
}

func TestMemoryStore_RestoreSkipsMissingProducts(t *testing.T) {
	m := seededStore(t)
	skipped, err := m.RestoreStock(context.Background(), []models.StockLine{
		{ProductID: "gone", Quantity: 1},
		{ProductID: "p1", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, skipped)
	assert.Equal(t, 6, quantityOf(t, m, "p1"))
}

func TestMemoryStore_AdjustNeverGoesNegative(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	_, err := m.AdjustStock(ctx, "p1", -100)
	assert.ErrorIs(t, err, apperr.ErrNegativeStock)
	assert.Equal(t, 5, quantityOf(t, m, "p1"))

	qty, err := m.AdjustStock(ctx, "p1", -5)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	_, err = m.AdjustStock(ctx, "nope", 1)
	assert.ErrorIs(t, err, apperr.ErrProductNotFound)
}

func TestMemoryStore_AdjustVariantStockMovesBothCounters(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	stock, err := m.AdjustVariantStock(ctx, "p2", "v2", -2)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)
	assert.Equal(t, 6, quantityOf(t, m, "p2"))

	_, err = m.AdjustVariantStock(ctx, "p2", "v1", -4)
	assert.ErrorIs(t, err, apperr.ErrNegativeStock)
	assert.Equal(t, 3, variantStock(t, m, "p2", "v1"))
	assert.Equal(t, 6, quantityOf(t, m, "p2"))
}

func TestMemoryStore_StockReports(t *testing.T) {
	m := seededStore(t)
	m.PutProduct(models.Product{ID: "p3", Name: "Sold out", Price: 1, AvailableQuantity: 0})
	m.PutProduct(models.Product{ID: "p4", Name: "Plenty", Price: 1, AvailableQuantity: 50})
	ctx := context.Background()

	low, err := m.ListLowStockProducts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "p1", low[0].ID)

	out, err := m.ListOutOfStockProducts(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p3", out[0].ID)

	variants, err := m.ListLowStockVariants(ctx, 3)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "SHIRT-M-RED", variants[0].VariantSKU)
}

func TestMemoryStore_CreateOrderReservesAndGuardsUniqueness(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	order := &models.Order{
		ID: "o1", OrderNumber: "ORD-20240101-0001", UserID: "u1", IdempotencyKey: "k1",
		Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending,
		Items: []models.OrderItem{{ID: "i1", ProductID: "p1", Quantity: 2, UnitPrice: 1000, Subtotal: 2000}},
	}
	require.NoError(t, m.CreateOrder(ctx, order))
	assert.Equal(t, 3, quantityOf(t, m, "p1"))
	assert.Equal(t, "o1", order.Items[0].OrderID)

	clash := &models.Order{ID: "o2", OrderNumber: "ORD-20240101-0001", UserID: "u1"}
	assert.ErrorIs(t, m.CreateOrder(ctx, clash), apperr.ErrOrderNumberTaken)

	replay := &models.Order{ID: "o3", OrderNumber: "ORD-20240101-0002", UserID: "u1", IdempotencyKey: "k1"}
	assert.ErrorIs(t, m.CreateOrder(ctx, replay), apperr.ErrDuplicate)

	found, err := m.GetOrderByIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "o1", found.ID)

	short := &models.Order{
		ID: "o4", OrderNumber: "ORD-20240101-0003", UserID: "u1",
		Items: []models.OrderItem{{ID: "i4", ProductID: "p1", Quantity: 4}},
	}
	assert.ErrorIs(t, m.CreateOrder(ctx, short), apperr.ErrInsufficientStock)
	_, err = m.GetOrderByID(ctx, "o4")
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
	assert.Equal(t, 3, quantityOf(t, m, "p1"))
}

func TestMemoryStore_UpdateOrderReleasesStockOnce(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	order := &models.Order{
		ID: "o1", OrderNumber: "ORD-20240101-0001", UserID: "u1",
		Items: []models.OrderItem{{ID: "i1", ProductID: "p2", VariantID: "v2", Quantity: 2}},
	}
	require.NoError(t, m.CreateOrder(ctx, order))
	assert.Equal(t, 3, variantStock(t, m, "p2", "v2"))

	release := func(o *models.Order) (bool, error) {
		o.Status = models.OrderStatusCancelled
		return true, nil
	}

	updated, err := m.UpdateOrder(ctx, "o1", release)
	require.NoError(t, err)
	assert.True(t, updated.StockReleased)
	assert.Equal(t, 5, variantStock(t, m, "p2", "v2"))
	assert.Equal(t, 8, quantityOf(t, m, "p2"))

	_, err = m.UpdateOrder(ctx, "o1", release)
	require.NoError(t, err)
	assert.Equal(t, 5, variantStock(t, m, "p2", "v2"))
	assert.Equal(t, 8, quantityOf(t, m, "p2"))
}

func TestMemoryStore_UpdateOrderDiscardsFailedMutation(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	order := &models.Order{ID: "o1", OrderNumber: "ORD-1", UserID: "u1", Status: models.OrderStatusPending}
	require.NoError(t, m.CreateOrder(ctx, order))

	_, err := m.UpdateOrder(ctx, "o1", func(o *models.Order) (bool, error) {
		o.Status = models.OrderStatusShipped
		return false, apperr.ErrInvalidTransition
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	stored, err := m.GetOrderByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func TestMemoryStore_ListOrdersNewestFirst(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	require.NoError(t, m.CreateOrder(ctx, &models.Order{ID: "o1", OrderNumber: "N1", UserID: "u1", Status: models.OrderStatusPending}))
	require.NoError(t, m.CreateOrder(ctx, &models.Order{ID: "o2", OrderNumber: "N2", UserID: "u2", Status: models.OrderStatusPending}))
	require.NoError(t, m.CreateOrder(ctx, &models.Order{ID: "o3", OrderNumber: "N3", UserID: "u1", Status: models.OrderStatusShipped}))

	mine, err := m.ListOrdersByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "o3", mine[0].ID)
	assert.Equal(t, "o1", mine[1].ID)

	pending, err := m.ListOrders(ctx, models.OrderStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "o2", pending[0].ID)
}

func TestMemoryStore_SaveCartKeepsIdentity(t *testing.T) {
	m := seededStore(t)
	ctx := context.Background()

	_, err := m.GetCart(ctx, "u1")
	assert.ErrorIs(t, err, apperr.ErrCartNotFound)

	first := &models.Cart{ID: "c1", UserID: "u1"}
	require.NoError(t, m.SaveCart(ctx, first))

	second := &models.Cart{ID: "c2", UserID: "u1", Items: []models.CartItem{{ProductID: "p1", Quantity: 1}}}
	require.NoError(t, m.SaveCart(ctx, second))
	assert.Equal(t, "c1", second.ID)

	cart, err := m.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c1", cart.ID)
	assert.Len(t, cart.Items, 1)
}
