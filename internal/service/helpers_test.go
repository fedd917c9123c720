package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/store"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	m := store.NewMemoryStore()
	m.PutUser(models.User{ID: "u1", Email: "ann@example.com", Name: "Ann"})
	m.PutUser(models.User{ID: "u2", Email: "bob@example.com", Name: "Bob"})
	m.PutProduct(models.Product{ID: "mug", Name: "Mug", Price: 1000, AvailableQuantity: 5})
	m.PutProduct(models.Product{ID: "pen", Name: "Pen", Price: 250, AvailableQuantity: 100})
	m.PutProduct(models.Product{
		ID: "shirt", Name: "Shirt", Price: 2000, AvailableQuantity: 8,
		Variants: []models.Variant{
			{ID: "shirt-m", Size: "M", Color: "Red", SKU: "SHIRT-M-RED", Stock: 3, PriceModifier: 0},
			{ID: "shirt-xl", Size: "XL", Color: "Blue", SKU: "SHIRT-XL-BLUE", Stock: 5, PriceModifier: 500},
		},
	})
	return m
}

func productQuantity(t *testing.T, m *store.MemoryStore, productID string) int {
	t.Helper()
	p, err := m.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	return p.AvailableQuantity
}

func variantQuantity(t *testing.T, m *store.MemoryStore, productID, variantID string) int {
	t.Helper()
	p, err := m.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	v, ok := p.FindVariant(variantID)
	require.True(t, ok)
	return v.Stock
}

var testAddress = models.Address{
	FullName:     "Ann Example",
	AddressLine1: "1 Main St",
	City:         "Springfield",
	PostalCode:   "12345",
	Country:      "US",
}

type recordingPublisher struct {
	mu       sync.Mutex
	created  []*models.OrderCreatedEvent
	statuses []*models.OrderStatusEvent
	payments []*models.PaymentStatusEvent
	stock    []*models.StockAdjustedEvent
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, event)
	return nil
}

func (p *recordingPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, event)
	return nil
}

func (p *recordingPublisher) PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, event)
	return nil
}

// memoryLocker is an in-process CheckoutLocker and EventClaimer
type memoryLocker struct {
	mu     sync.Mutex
	held   map[string]string
	claims map[string]bool
	err    error
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: map[string]string{}, claims: map[string]bool{}}
}

func (l *memoryLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := key + "-token"
	l.held[key] = token
	return token, true, nil
}

func (l *memoryLocker) ReleaseLock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func (l *memoryLocker) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.claims[eventID] {
		return false, nil
	}
	l.claims[eventID] = true
	return true, nil
}

func (l *memoryLocker) ReleaseEvent(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, eventID)
	return nil
}

func (l *memoryLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
