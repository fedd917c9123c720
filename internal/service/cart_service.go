package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CartService manages the per-user cart. Carts store references only; prices
// and images are resolved on every View.
type CartService struct {
	users   UserDirectory
	catalog ProductCatalog
	carts   CartRepository
	cache   CartCache
	loads   singleflight.Group
	logger  *zap.Logger
}

// NewCartService creates a new cart service. cache may be nil.
func NewCartService(users UserDirectory, catalog ProductCatalog, carts CartRepository, cache CartCache) *CartService {
	return &CartService{
		users:   users,
		catalog: catalog,
		carts:   carts,
		cache:   cache,
		logger:  util.GetLogger(),
	}
}

// GetOrCreate returns the user's cart, creating an empty one on first access
func (s *CartService) GetOrCreate(ctx context.Context, userID string) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetOrCreate", attribute.String("user_id", userID))
	defer span.End()

	if _, err := s.users.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.loadCart(ctx, userID)
}

// AddItem adds quantity units of a product (or one of its variants) to the
// cart, merging with an existing line for the same pair.
func (s *CartService) AddItem(ctx context.Context, userID, productID string, quantity int, variantID string) (*models.CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem",
		attribute.String("user_id", userID),
		attribute.String("product_id", productID))
	defer span.End()

	if quantity < 1 {
		return nil, apperr.ErrInvalidQuantity
	}

	product, err := s.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	if product.HasVariants() && variantID == "" {
		return nil, apperr.ErrVariantRequired
	}
	available, err := sellableStock(product, variantID)
	if err != nil {
		return nil, err
	}
	if available < quantity {
		return nil, insufficient(available)
	}

	cart, err := s.loadForWrite(ctx, userID)
	if err != nil {
		return nil, err
	}

	if i := cart.FindItem(productID, variantID); i >= 0 {
		merged := cart.Items[i].Quantity + quantity
		if available < merged {
			return nil, insufficient(available)
		}
		cart.Items[i].Quantity = merged
	} else {
		cart.Items = append(cart.Items, models.CartItem{
			ProductID: productID,
			VariantID: variantID,
			Quantity:  quantity,
			AddedAt:   time.Now().UTC(),
		})
	}

	if err := s.save(ctx, cart, "add"); err != nil {
		return nil, err
	}
	return s.View(ctx, userID)
}

// UpdateItem sets the quantity of an existing line, checked against live stock
func (s *CartService) UpdateItem(ctx context.Context, userID, productID string, quantity int, variantID string) (*models.CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItem",
		attribute.String("user_id", userID),
		attribute.String("product_id", productID))
	defer span.End()

	if quantity < 1 {
		return nil, apperr.ErrInvalidQuantity
	}

	product, err := s.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	available, err := sellableStock(product, variantID)
	if err != nil {
		return nil, err
	}
	if available < quantity {
		return nil, insufficient(available)
	}

	cart, err := s.loadForWrite(ctx, userID)
	if err != nil {
		return nil, err
	}

	i := cart.FindItem(productID, variantID)
	if i < 0 {
		return nil, apperr.ErrItemNotFound
	}
	cart.Items[i].Quantity = quantity

	if err := s.save(ctx, cart, "update"); err != nil {
		return nil, err
	}
	return s.View(ctx, userID)
}

// RemoveItem deletes the line for (productID, variantID)
func (s *CartService) RemoveItem(ctx context.Context, userID, productID, variantID string) (*models.CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem", attribute.String("user_id", userID))
	defer span.End()

	cart, err := s.loadForWrite(ctx, userID)
	if err != nil {
		return nil, err
	}

	i := cart.FindItem(productID, variantID)
	if i < 0 {
		return nil, apperr.ErrItemNotFound
	}
	cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)

	if err := s.save(ctx, cart, "remove"); err != nil {
		return nil, err
	}
	return s.View(ctx, userID)
}

// Clear empties the cart
func (s *CartService) Clear(ctx context.Context, userID string) error {
	ctx, span := util.StartSpan(ctx, "CartService.Clear", attribute.String("user_id", userID))
	defer span.End()

	cart, err := s.loadForWrite(ctx, userID)
	if err != nil {
		return err
	}
	cart.Items = []models.CartItem{}
	return s.save(ctx, cart, "clear")
}

// View prices the cart against live product data. Lines whose product has
// been deleted are left out.
func (s *CartService) View(ctx context.Context, userID string) (*models.CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.View", attribute.String("user_id", userID))
	defer span.End()

	cart, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &models.CartView{
		CartID:    cart.ID,
		Items:     make([]models.CartLineView, 0, len(cart.Items)),
		CreatedAt: cart.CreatedAt,
		UpdatedAt: cart.UpdatedAt,
	}

	for _, item := range cart.Items {
		product, err := s.catalog.GetProductByID(ctx, item.ProductID)
		if errors.Is(err, apperr.ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		line := models.CartLineView{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			VariantID:   item.VariantID,
		}
		if item.VariantID != "" {
			if v, ok := product.FindVariant(item.VariantID); ok {
				line.UnitPrice += v.PriceModifier
				line.VariantName = v.Label()
			}
		}
		line.Subtotal = line.UnitPrice * int64(line.Quantity)

		image, err := s.catalog.GetCoverImage(ctx, product.ID)
		if err != nil {
			s.logger.Warn("Failed to load cover image", zap.String("product_id", product.ID), zap.Error(err))
		}
		line.ProductImage = image

		view.Items = append(view.Items, line)
		view.Subtotal += line.Subtotal
		view.TotalItems += line.Quantity
	}

	return view, nil
}

// ItemCount returns the number of units in the cart
func (s *CartService) ItemCount(ctx context.Context, userID string) (int, error) {
	cart, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range cart.Items {
		count += item.Quantity
	}
	return count, nil
}

// loadCart reads through the cache. Concurrent misses for one user share a
// single repository load.
func (s *CartService) loadCart(ctx context.Context, userID string) (*models.Cart, error) {
	if s.cache != nil {
		cart, err := s.cache.GetCart(ctx, userID)
		if err == nil {
			return cart, nil
		}
		s.logger.Debug("Cart cache miss", zap.String("user_id", userID), zap.Error(err))
	}

	v, err, _ := s.loads.Do(userID, func() (interface{}, error) {
		cart, err := s.fetchOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.SetCart(ctx, cart); err != nil {
				s.logger.Warn("Failed to cache cart", zap.String("user_id", userID), zap.Error(err))
			}
		}
		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	shared := v.(*models.Cart)
	cart := *shared
	cart.Items = append([]models.CartItem(nil), shared.Items...)
	return &cart, nil
}

// loadForWrite returns the repository's copy of the cart. Mutations never
// start from the cache, whose entry may predate the last save.
func (s *CartService) loadForWrite(ctx context.Context, userID string) (*models.Cart, error) {
	if _, err := s.users.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.fetchOrCreate(ctx, userID)
}

func (s *CartService) fetchOrCreate(ctx context.Context, userID string) (*models.Cart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, apperr.ErrCartNotFound) {
		return nil, err
	}

	cart = &models.Cart{
		ID:     uuid.New().String(),
		UserID: userID,
		Items:  []models.CartItem{},
	}
	if err := s.carts.SaveCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	s.logger.Info("Cart created", zap.String("user_id", userID), zap.String("cart_id", cart.ID))
	return cart, nil
}

func (s *CartService) save(ctx context.Context, cart *models.Cart, op string) error {
	if err := s.carts.SaveCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	util.CartOperationsTotal.WithLabelValues(op).Inc()

	if s.cache != nil {
		if err := s.cache.DeleteCart(ctx, cart.UserID); err != nil {
			s.logger.Warn("Failed to invalidate cached cart", zap.String("user_id", cart.UserID), zap.Error(err))
		}
	}
	return nil
}

// sellableStock returns the stock a line draws from: the variant when one is
// named, the product otherwise.
func sellableStock(product *models.Product, variantID string) (int, error) {
	if variantID == "" {
		return product.AvailableQuantity, nil
	}
	v, ok := product.FindVariant(variantID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, variantID)
	}
	return v.Stock, nil
}

func insufficient(available int) error {
	return fmt.Errorf("%w: only %d items available", apperr.ErrInsufficientStock, available)
}
