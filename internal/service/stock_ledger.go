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

// DefaultLowStockThreshold applies when no threshold is configured
const DefaultLowStockThreshold = 10

// StockLedger is the single point of truth for product and variant stock
type StockLedger struct {
	catalog           ProductCatalog
	stock             StockStore
	events            EventPublisher
	lowStockThreshold int
	logger            *zap.Logger
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(catalog ProductCatalog, stock StockStore, events EventPublisher, lowStockThreshold int) *StockLedger {
	if lowStockThreshold <= 0 {
		lowStockThreshold = DefaultLowStockThreshold
	}
	return &StockLedger{
		catalog:           catalog,
		stock:             stock,
		events:            publisherOrNoop(events),
		lowStockThreshold: lowStockThreshold,
		logger:            util.GetLogger(),
	}
}

// ValidateStock checks every line against live stock without changing it.
// Variant lines are checked against the variant, others against the product.
func (l *StockLedger) ValidateStock(ctx context.Context, items []models.StockLine) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.ValidateStock", attribute.Int("lines", len(items)))
	defer span.End()

	for _, item := range items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: product %s", apperr.ErrInvalidQuantity, item.ProductID)
		}

		product, err := l.catalog.GetProductByID(ctx, item.ProductID)
		if err != nil {
			return err
		}

		available := product.AvailableQuantity
		if item.VariantID != "" {
			variant, ok := product.FindVariant(item.VariantID)
			if !ok {
				return fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, item.VariantID)
			}
			available = variant.Stock
		}

		if available < item.Quantity {
			return fmt.Errorf("%w: %s has %d, requested %d",
				apperr.ErrInsufficientStock, product.Name, available, item.Quantity)
		}
	}
	return nil
}

// ReserveStock validates the whole batch and then takes it. The store applies
// the decrements atomically, so a concurrent reservation that wins the race
// surfaces here as ErrInsufficientStock with nothing taken.
func (l *StockLedger) ReserveStock(ctx context.Context, items []models.StockLine) (err error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.ReserveStock", attribute.Int("lines", len(items)))
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := l.ValidateStock(ctx, items); err != nil {
		util.StockReservationsFailed.WithLabelValues(apperr.CodeOf(err)).Inc()
		return err
	}

	if err := l.stock.ReserveStock(ctx, items); err != nil {
		util.StockReservationsFailed.WithLabelValues(apperr.CodeOf(err)).Inc()
		return err
	}

	l.logger.Info("Stock reserved", zap.Int("lines", len(items)))
	return nil
}

// RestoreStock gives stock back. Products that no longer exist are logged and
// skipped; only infrastructure failures are returned.
func (l *StockLedger) RestoreStock(ctx context.Context, items []models.StockLine) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.RestoreStock", attribute.Int("lines", len(items)))
	defer span.End()

	skipped, err := l.stock.RestoreStock(ctx, items)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}

	for _, productID := range skipped {
		util.StockRestoreSkippedTotal.Inc()
		l.logger.Warn("Product missing while restoring stock", zap.String("product_id", productID))
	}
	return nil
}

// AdjustStock applies a manual correction to a product and returns the new quantity
func (l *StockLedger) AdjustStock(ctx context.Context, productID string, delta int, reason string) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.AdjustStock", attribute.String("product_id", productID))
	defer span.End()

	product, err := l.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return 0, err
	}
	l.warnIfVariants(product, "adjust")

	quantity, err := l.stock.AdjustStock(ctx, productID, delta)
	if err != nil {
		return 0, err
	}

	util.StockAdjustmentsTotal.WithLabelValues("adjust").Inc()
	l.logger.Info("Stock adjusted",
		zap.String("product_id", productID),
		zap.Int("delta", delta),
		zap.Int("new_quantity", quantity),
		zap.String("reason", reason))

	l.publish(ctx, &models.StockAdjustedEvent{
		ProductID:   productID,
		Delta:       delta,
		NewQuantity: quantity,
		Reason:      reason,
	})
	return quantity, nil
}

// AdjustVariantStock corrects a variant and its product counter together and
// returns the variant's new stock
func (l *StockLedger) AdjustVariantStock(ctx context.Context, productID, variantID string, delta int, reason string) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.AdjustVariantStock",
		attribute.String("product_id", productID),
		attribute.String("variant_id", variantID))
	defer span.End()

	stock, err := l.stock.AdjustVariantStock(ctx, productID, variantID, delta)
	if err != nil {
		return 0, err
	}

	util.StockAdjustmentsTotal.WithLabelValues("adjust_variant").Inc()
	l.logger.Info("Variant stock adjusted",
		zap.String("product_id", productID),
		zap.String("variant_id", variantID),
		zap.Int("delta", delta),
		zap.Int("new_stock", stock),
		zap.String("reason", reason))

	l.publish(ctx, &models.StockAdjustedEvent{
		ProductID:   productID,
		VariantID:   variantID,
		Delta:       delta,
		NewQuantity: stock,
		Reason:      reason,
	})
	return stock, nil
}

// SetStock overwrites a product's available quantity
func (l *StockLedger) SetStock(ctx context.Context, productID string, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.SetStock", attribute.String("product_id", productID))
	defer span.End()

	if quantity < 0 {
		return apperr.ErrNegativeQuantity
	}

	product, err := l.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return err
	}
	l.warnIfVariants(product, "set")

	if err := l.stock.SetStock(ctx, productID, quantity); err != nil {
		return err
	}

	util.StockAdjustmentsTotal.WithLabelValues("set").Inc()
	l.logger.Info("Stock set",
		zap.String("product_id", productID),
		zap.Int("previous_quantity", product.AvailableQuantity),
		zap.Int("new_quantity", quantity))

	l.publish(ctx, &models.StockAdjustedEvent{
		ProductID:   productID,
		Delta:       quantity - product.AvailableQuantity,
		NewQuantity: quantity,
		Reason:      "set",
	})
	return nil
}

// warnIfVariants flags a product-level write on a product whose counter is
// normally the sum of its variants. The write is still applied.
func (l *StockLedger) warnIfVariants(product *models.Product, op string) {
	if !product.HasVariants() {
		return
	}
	l.logger.Warn("Product-level stock change on a product with variants",
		zap.String("product_id", product.ID),
		zap.String("op", op),
		zap.Int("variants", len(product.Variants)))
}

// GetProductStock returns a product's available quantity
func (l *StockLedger) GetProductStock(ctx context.Context, productID string) (int, error) {
	product, err := l.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.AvailableQuantity, nil
}

// CheckProductStock reports whether quantity units of a product are available
func (l *StockLedger) CheckProductStock(ctx context.Context, productID string, quantity int) (bool, error) {
	available, err := l.GetProductStock(ctx, productID)
	if err != nil {
		return false, err
	}
	return available >= quantity, nil
}

// IsLowStock uses the configured threshold when threshold <= 0
func (l *StockLedger) IsLowStock(quantity, threshold int) bool {
	threshold = l.threshold(threshold)
	return quantity > 0 && quantity <= threshold
}

func (l *StockLedger) IsOutOfStock(quantity int) bool {
	return quantity == 0
}

// GetLowStockProducts lists products with 0 < quantity <= threshold
func (l *StockLedger) GetLowStockProducts(ctx context.Context, threshold int) ([]models.StockReport, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.GetLowStockProducts")
	defer span.End()

	threshold = l.threshold(threshold)
	products, err := l.stock.ListLowStockProducts(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	return productReports(products, threshold), nil
}

// GetOutOfStockProducts lists products with nothing left
func (l *StockLedger) GetOutOfStockProducts(ctx context.Context) ([]models.StockReport, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.GetOutOfStockProducts")
	defer span.End()

	products, err := l.stock.ListOutOfStockProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list out of stock products: %w", err)
	}
	return productReports(products, 0), nil
}

// GetLowStockVariants lists variants with 0 < stock <= threshold
func (l *StockLedger) GetLowStockVariants(ctx context.Context, threshold int) ([]models.StockReport, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.GetLowStockVariants")
	defer span.End()

	threshold = l.threshold(threshold)
	reports, err := l.stock.ListLowStockVariants(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock variants: %w", err)
	}
	for i := range reports {
		reports[i].Threshold = threshold
	}
	return reports, nil
}

func (l *StockLedger) threshold(requested int) int {
	if requested <= 0 {
		return l.lowStockThreshold
	}
	return requested
}

func (l *StockLedger) publish(ctx context.Context, event *models.StockAdjustedEvent) {
	if err := l.events.PublishStockAdjusted(ctx, event); err != nil {
		l.logger.Error("Failed to publish StockAdjusted event",
			zap.String("product_id", event.ProductID),
			zap.Error(err))
	}
}

func productReports(products []models.Product, threshold int) []models.StockReport {
	reports := make([]models.StockReport, 0, len(products))
	for _, p := range products {
		reports = append(reports, models.StockReport{
			ProductID:    p.ID,
			ProductName:  p.Name,
			CurrentStock: p.AvailableQuantity,
			Threshold:    threshold,
		})
	}
	return reports
}
