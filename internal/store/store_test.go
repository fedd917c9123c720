package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests against a real Postgres. They run only when
// TEST_DATABASE_URL points at a disposable database.
func setupPostgres(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	require.NoError(t, s.RunMigrations())
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPostgres(t *testing.T, s *Store, quantity int) (models.User, models.Product) {
	t.Helper()
	ctx := context.Background()

	user := models.User{ID: uuid.New().String(), Email: uuid.New().String() + "@example.com", Name: "Test"}
	require.NoError(t, s.CreateUser(ctx, &user))

	product := models.Product{
		ID: uuid.New().String(), Name: "Shirt", Price: 2000, AvailableQuantity: quantity,
		Variants: []models.Variant{
			{ID: uuid.New().String(), Size: "M", Color: "Red", SKU: uuid.New().String(), Stock: quantity},
		},
	}
	require.NoError(t, s.CreateProduct(ctx, &product))
	return user, product
}

func TestStore_ReserveRestoreRoundTrip(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, product := seedPostgres(t, s, 5)
	variantID := product.Variants[0].ID

	lines := []models.StockLine{{ProductID: product.ID, VariantID: variantID, Quantity: 2}}
	require.NoError(t, s.ReserveStock(ctx, lines))

	got, err := s.GetProductByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AvailableQuantity)
	assert.Equal(t, 3, got.Variants[0].Stock)

	skipped, err := s.RestoreStock(ctx, lines)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	got, err = s.GetProductByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.AvailableQuantity)
	assert.Equal(t, 5, got.Variants[0].Stock)
}

func TestStore_ReserveRollsBackWholeBatch(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, product := seedPostgres(t, s, 2)

	err := s.ReserveStock(ctx, []models.StockLine{
		{ProductID: product.ID, Quantity: 1},
		{ProductID: product.ID, VariantID: product.Variants[0].ID, Quantity: 5},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	got, err := s.GetProductByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableQuantity)
}

func TestStore_ConcurrentReserveNeverOversells(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, product := seedPostgres(t, s, 1)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.ReserveStock(ctx, []models.StockLine{{ProductID: product.ID, Quantity: 1}})
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestLockOrder_SortsByProductThenVariant(t *testing.T) {
	lines := []models.StockLine{
		{ProductID: "b", VariantID: "v2", Quantity: 1},
		{ProductID: "a", VariantID: "v9", Quantity: 2},
		{ProductID: "b", Quantity: 3},
		{ProductID: "a", VariantID: "v1", Quantity: 4},
	}

	got := lockOrder(lines)

	assert.Equal(t, []models.StockLine{
		{ProductID: "a", VariantID: "v1", Quantity: 4},
		{ProductID: "a", VariantID: "v9", Quantity: 2},
		{ProductID: "b", Quantity: 3},
		{ProductID: "b", VariantID: "v2", Quantity: 1},
	}, got)
	assert.Equal(t, "b", lines[0].ProductID, "input must not be reordered in place")
}

func TestStore_CrossingReservationsDoNotDeadlock(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, first := seedPostgres(t, s, 1000)
	_, second := seedPostgres(t, s, 1000)

	forward := []models.StockLine{
		{ProductID: first.ID, VariantID: first.Variants[0].ID, Quantity: 1},
		{ProductID: second.ID, Quantity: 1},
	}
	backward := []models.StockLine{forward[1], forward[0]}

	const rounds = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- s.ReserveStock(ctx, forward)
		}()
		go func() {
			defer wg.Done()
			errs <- s.ReserveStock(ctx, backward)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	p1, err := s.GetProductByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000-2*rounds, p1.AvailableQuantity)
	assert.Equal(t, 1000-2*rounds, p1.Variants[0].Stock)

	p2, err := s.GetProductByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000-2*rounds, p2.AvailableQuantity)

	_, err = s.RestoreStock(ctx, backward)
	require.NoError(t, err)
}

func TestStore_AdjustStockRejectsNegative(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, product := seedPostgres(t, s, 5)

	_, err := s.AdjustStock(ctx, product.ID, -100)
	assert.ErrorIs(t, err, apperr.ErrNegativeStock)

	_, err = s.AdjustStock(ctx, uuid.New().String(), 1)
	assert.ErrorIs(t, err, apperr.ErrProductNotFound)
}

func TestStore_OrderLifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	user, product := seedPostgres(t, s, 5)

	address := models.Address{FullName: "Ann", AddressLine1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	order := &models.Order{
		ID:              uuid.New().String(),
		OrderNumber:     "ORD-" + time.Now().Format("20060102") + "-" + uuid.New().String()[:8],
		UserID:          user.ID,
		Subtotal:        4000,
		Total:           4000,
		Currency:        "USD",
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		ShippingAddress: address,
		BillingAddress:  address,
		IdempotencyKey:  uuid.New().String(),
		Items: []models.OrderItem{{
			ID: uuid.New().String(), ProductID: product.ID, ProductName: product.Name,
			UnitPrice: 2000, Quantity: 2, Subtotal: 4000,
		}},
	}
	require.NoError(t, s.CreateOrder(ctx, order))

	dup := *order
	dup.ID = uuid.New().String()
	assert.ErrorIs(t, s.CreateOrder(ctx, &dup), apperr.ErrOrderNumberTaken)

	got, err := s.GetOrderByIdempotencyKey(ctx, user.ID, order.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, address, got.ShippingAddress)
	require.Len(t, got.Items, 1)

	cancel := func(o *models.Order) (bool, error) {
		o.Status = models.OrderStatusCancelled
		return true, nil
	}
	_, err = s.UpdateOrder(ctx, order.ID, cancel)
	require.NoError(t, err)
	_, err = s.UpdateOrder(ctx, order.ID, cancel)
	require.NoError(t, err)

	p, err := s.GetProductByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.AvailableQuantity)

	orders, err := s.ListOrdersByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusCancelled, orders[0].Status)
	assert.Len(t, orders[0].Items, 1)
}

func TestMongoCartRepository(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("Integration test - requires MongoDB (set TEST_MONGO_URI)")
	}
	ctx := context.Background()

	db, err := ConnectMongoDB(ctx, uri, "commerce_test")
	require.NoError(t, err)
	repo := NewMongoCartRepository(db)
	require.NoError(t, repo.CreateIndexes(ctx))

	userID := uuid.New().String()
	_, err = repo.GetCart(ctx, userID)
	assert.ErrorIs(t, err, apperr.ErrCartNotFound)

	cart := &models.Cart{ID: uuid.New().String(), UserID: userID}
	require.NoError(t, repo.SaveCart(ctx, cart))

	again := &models.Cart{
		ID: uuid.New().String(), UserID: userID,
		Items: []models.CartItem{{ProductID: "p1", Quantity: 2, AddedAt: time.Now().UTC()}},
	}
	require.NoError(t, repo.SaveCart(ctx, again))
	assert.Equal(t, cart.ID, again.ID)

	got, err := repo.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, got.ID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)
}
