package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is an in-process implementation of the relational store and
// the cart repository. A single mutex serializes every write, so stock
// batches are as atomic here as in a Postgres transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	products map[string]*models.Product
	images   map[string][]models.Image
	orders   map[string]*models.Order
	orderSeq []string
	carts    map[string]*models.Cart // userID -> cart

	logger *zap.Logger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]models.User),
		products: make(map[string]*models.Product),
		images:   make(map[string][]models.Image),
		orders:   make(map[string]*models.Order),
		carts:    make(map[string]*models.Cart),
		logger:   util.ComponentLogger("memory-store"),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// PutUser inserts or replaces a user
func (m *MemoryStore) PutUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.ID] = user
}

// PutProduct inserts or replaces a product and its variants
func (m *MemoryStore) PutProduct(product models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	for i := range product.Variants {
		product.Variants[i].ProductID = product.ID
	}
	m.products[product.ID] = copyProduct(&product)
}

// DeleteProduct removes a product, leaving carts and orders that reference it
func (m *MemoryStore) DeleteProduct(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, productID)
	delete(m.images, productID)
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrUserNotFound, id)
	}
	return &user, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s", apperr.ErrDuplicate, user.ID)
	}
	user.CreatedAt = time.Now().UTC()
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryStore) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, id)
	}
	return copyProduct(p), nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[product.ID]; ok {
		return fmt.Errorf("%w: product %s", apperr.ErrDuplicate, product.ID)
	}
	now := time.Now().UTC()
	product.CreatedAt, product.UpdatedAt = now, now
	for i := range product.Variants {
		product.Variants[i].ProductID = product.ID
	}
	m.products[product.ID] = copyProduct(product)
	return nil
}

func (m *MemoryStore) GetCoverImage(ctx context.Context, productID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	images := m.images[productID]
	for _, img := range images {
		if img.IsCover {
			return img.URL, nil
		}
	}
	if len(images) > 0 {
		return images[0].URL, nil
	}
	return "", nil
}

func (m *MemoryStore) AddImage(ctx context.Context, image *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[image.ProductID]; !ok {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, image.ProductID)
	}
	if image.ID == "" {
		image.ID = uuid.New().String()
	}
	image.CreatedAt = time.Now().UTC()
	m.images[image.ProductID] = append(m.images[image.ProductID], *image)
	return nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, lines []models.StockLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(lines)
}

func (m *MemoryStore) RestoreStock(ctx context.Context, lines []models.StockLine) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(lines), nil
}

func (m *MemoryStore) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, productID)
	}
	if p.AvailableQuantity+delta < 0 {
		return 0, fmt.Errorf("%w: product %s", apperr.ErrNegativeStock, productID)
	}
	p.AvailableQuantity += delta
	p.UpdatedAt = time.Now().UTC()
	return p.AvailableQuantity, nil
}

func (m *MemoryStore) AdjustVariantStock(ctx context.Context, productID, variantID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, productID)
	}
	v, ok := p.FindVariant(variantID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, variantID)
	}
	if v.Stock+delta < 0 {
		return 0, fmt.Errorf("%w: variant %s", apperr.ErrNegativeStock, variantID)
	}
	if p.AvailableQuantity+delta < 0 {
		return 0, fmt.Errorf("%w: product %s", apperr.ErrNegativeStock, productID)
	}
	v.Stock += delta
	p.AvailableQuantity += delta
	p.UpdatedAt = time.Now().UTC()
	return v.Stock, nil
}

func (m *MemoryStore) SetStock(ctx context.Context, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, productID)
	}
	p.AvailableQuantity = quantity
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListLowStockProducts(ctx context.Context, threshold int) ([]models.Product, error) {
	return m.filterProducts(func(p *models.Product) bool {
		return p.AvailableQuantity > 0 && p.AvailableQuantity <= threshold
	}), nil
}

func (m *MemoryStore) ListOutOfStockProducts(ctx context.Context) ([]models.Product, error) {
	return m.filterProducts(func(p *models.Product) bool {
		return p.AvailableQuantity == 0
	}), nil
}

func (m *MemoryStore) ListLowStockVariants(ctx context.Context, threshold int) ([]models.StockReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var reports []models.StockReport
	for _, p := range m.products {
		for _, v := range p.Variants {
			if v.Stock > 0 && v.Stock <= threshold {
				reports = append(reports, models.StockReport{
					ProductID:    p.ID,
					ProductName:  p.Name,
					VariantID:    v.ID,
					VariantSKU:   v.SKU,
					CurrentStock: v.Stock,
				})
			}
		}
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CurrentStock != reports[j].CurrentStock {
			return reports[i].CurrentStock < reports[j].CurrentStock
		}
		return reports[i].VariantSKU < reports[j].VariantSKU
	})
	return reports, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.orderSeq {
		existing := m.orders[id]
		if existing.OrderNumber == order.OrderNumber {
			return apperr.ErrOrderNumberTaken
		}
		if order.IdempotencyKey != "" && existing.UserID == order.UserID &&
			existing.IdempotencyKey == order.IdempotencyKey {
			return fmt.Errorf("%w: idempotency key", apperr.ErrDuplicate)
		}
	}

	if err := m.reserveLocked(order.StockLines()); err != nil {
		return err
	}

	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = copyOrder(order)
	m.orderSeq = append(m.orderSeq, order.ID)
	return nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return m.filterOrders(func(o *models.Order) bool { return o.UserID == userID }), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	return m.filterOrders(func(o *models.Order) bool {
		return status == "" || o.Status == status
	}), nil
}

// UpdateOrder applies mutate to a working copy and only commits it if mutate
// succeeds, mirroring the row lock of the Postgres store.
func (m *MemoryStore) UpdateOrder(ctx context.Context, id string, mutate models.OrderMutation) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
	}

	order := copyOrder(stored)
	release, err := mutate(order)
	if err != nil {
		return nil, err
	}

	if release && !order.StockReleased {
		for _, productID := range m.restoreLocked(order.StockLines()) {
			m.logger.Warn("product missing while restoring stock",
				zap.String("order_id", order.ID),
				zap.String("product_id", productID))
		}
		order.StockReleased = true
	}

	order.UpdatedAt = time.Now().UTC()
	m.orders[id] = copyOrder(order)
	return order, nil
}

func (m *MemoryStore) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", apperr.ErrCartNotFound, userID)
	}
	return copyCart(c), nil
}

func (m *MemoryStore) SaveCart(ctx context.Context, cart *models.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.carts[cart.UserID]; ok {
		cart.ID = existing.ID
		cart.CreatedAt = existing.CreatedAt
	} else if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	m.carts[cart.UserID] = copyCart(cart)
	return nil
}

// reserveLocked applies every line or none. Lines are applied in order and
// undone on the first failure, so repeated products in one batch are
// checked against what earlier lines already took.
func (m *MemoryStore) reserveLocked(lines []models.StockLine) error {
	var applied []models.StockLine
	for _, line := range lines {
		if err := m.takeLocked(line); err != nil {
			m.restoreLocked(applied)
			return err
		}
		applied = append(applied, line)
	}
	return nil
}

func (m *MemoryStore) takeLocked(line models.StockLine) error {
	p, ok := m.products[line.ProductID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, line.ProductID)
	}

	var v *models.Variant
	if line.VariantID != "" {
		v, ok = p.FindVariant(line.VariantID)
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, line.VariantID)
		}
		if v.Stock < line.Quantity {
			return fmt.Errorf("%w: variant %s available=%d requested=%d",
				apperr.ErrInsufficientStock, v.ID, v.Stock, line.Quantity)
		}
	}
	if p.AvailableQuantity < line.Quantity {
		return fmt.Errorf("%w: product %s available=%d requested=%d",
			apperr.ErrInsufficientStock, p.ID, p.AvailableQuantity, line.Quantity)
	}

	if v != nil {
		v.Stock -= line.Quantity
	}
	p.AvailableQuantity -= line.Quantity
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) restoreLocked(lines []models.StockLine) []string {
	var skipped []string
	for _, line := range lines {
		p, ok := m.products[line.ProductID]
		if !ok {
			skipped = append(skipped, line.ProductID)
			continue
		}
		if line.VariantID != "" {
			if v, ok := p.FindVariant(line.VariantID); ok {
				v.Stock += line.Quantity
			}
		}
		p.AvailableQuantity += line.Quantity
		p.UpdatedAt = time.Now().UTC()
	}
	return skipped
}

func (m *MemoryStore) filterProducts(keep func(p *models.Product) bool) []models.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Product
	for _, p := range m.products {
		if keep(p) {
			out = append(out, *copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailableQuantity != out[j].AvailableQuantity {
			return out[i].AvailableQuantity < out[j].AvailableQuantity
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// filterOrders returns matching orders newest first
func (m *MemoryStore) filterOrders(keep func(o *models.Order) bool) []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for i := len(m.orderSeq) - 1; i >= 0; i-- {
		o := m.orders[m.orderSeq[i]]
		if keep(o) {
			out = append(out, *copyOrder(o))
		}
	}
	return out
}

func copyProduct(p *models.Product) *models.Product {
	cp := *p
	if p.Variants != nil {
		cp.Variants = append([]models.Variant(nil), p.Variants...)
	}
	return &cp
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

func copyCart(c *models.Cart) *models.Cart {
	cp := *c
	cp.Items = append([]models.CartItem(nil), c.Items...)
	return &cp
}
