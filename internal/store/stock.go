package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ReserveStock decrements stock for every line in one transaction. Each
// decrement is conditional on enough stock remaining, so concurrent callers
// cannot oversell; if any line fails nothing is applied.
func (s *Store) ReserveStock(ctx context.Context, lines []models.StockLine) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return reserveLinesTx(ctx, tx, lines)
	})
}

// RestoreStock gives stock back for every line in one transaction. Lines
// whose product no longer exists are skipped and returned.
func (s *Store) RestoreStock(ctx context.Context, lines []models.StockLine) ([]string, error) {
	var skipped []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		skipped, err = restoreLinesTx(ctx, tx, lines)
		return err
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

// AdjustStock applies delta to a product's available quantity and returns the
// new value. The update is rejected if it would go below zero.
func (s *Store) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	var quantity int
	err := s.db.GetContext(ctx, &quantity, `
		UPDATE products
		SET available_quantity = available_quantity + $1, updated_at = NOW()
		WHERE id = $2 AND available_quantity + $1 >= 0
		RETURNING available_quantity`, delta, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.productMiss(ctx, s.db, productID, apperr.ErrNegativeStock)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust stock: %w", err)
	}
	return quantity, nil
}

// AdjustVariantStock applies delta to a variant and to its product counter in
// one transaction and returns the variant's new stock.
func (s *Store) AdjustVariantStock(ctx context.Context, productID, variantID string, delta int) (int, error) {
	var stock int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockProductsTx(ctx, tx, []models.StockLine{{ProductID: productID}}); err != nil {
			return err
		}
		err := tx.GetContext(ctx, &stock, `
			UPDATE product_variants
			SET stock = stock + $1
			WHERE id = $2 AND product_id = $3 AND stock + $1 >= 0
			RETURNING stock`, delta, variantID, productID)
		if errors.Is(err, sql.ErrNoRows) {
			return s.variantMiss(ctx, tx, productID, variantID, apperr.ErrNegativeStock)
		}
		if err != nil {
			return fmt.Errorf("failed to adjust variant stock: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET available_quantity = available_quantity + $1, updated_at = NOW()
			WHERE id = $2 AND available_quantity + $1 >= 0`, delta, productID)
		if err != nil {
			return fmt.Errorf("failed to adjust product stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: product %s", apperr.ErrNegativeStock, productID)
		}
		return nil
	})
	return stock, err
}

// SetStock overwrites a product's available quantity
func (s *Store) SetStock(ctx context.Context, productID string, quantity int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET available_quantity = $1, updated_at = NOW() WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to set stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, productID)
	}
	return nil
}

// ListLowStockProducts returns products with 0 < available_quantity <= threshold
func (s *Store) ListLowStockProducts(ctx context.Context, threshold int) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, productSelect+`
		WHERE available_quantity > 0 AND available_quantity <= $1
		ORDER BY available_quantity, name`, threshold)
	return products, err
}

// ListOutOfStockProducts returns products with nothing left to sell
func (s *Store) ListOutOfStockProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, productSelect+`
		WHERE available_quantity = 0
		ORDER BY name`)
	return products, err
}

// ListLowStockVariants returns variants with 0 < stock <= threshold
func (s *Store) ListLowStockVariants(ctx context.Context, threshold int) ([]models.StockReport, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT v.product_id, p.name, v.id, v.sku, v.stock
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.stock > 0 AND v.stock <= $1
		ORDER BY v.stock, p.name, v.sku`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []models.StockReport
	for rows.Next() {
		var r models.StockReport
		if err := rows.Scan(&r.ProductID, &r.ProductName, &r.VariantID, &r.VariantSKU, &r.CurrentStock); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// lockOrder returns a copy of lines sorted by product then variant. Every
// multi-row stock transaction walks its rows in this order.
func lockOrder(lines []models.StockLine) []models.StockLine {
	sorted := make([]models.StockLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ProductID != sorted[j].ProductID {
			return sorted[i].ProductID < sorted[j].ProductID
		}
		return sorted[i].VariantID < sorted[j].VariantID
	})
	return sorted
}

// lockProductsTx takes the row lock of every product in sorted lines before
// any variant row is touched, so variant locks are only ever taken under
// their product's lock. Missing products are left to the caller.
func lockProductsTx(ctx context.Context, tx *sqlx.Tx, sorted []models.StockLine) error {
	for i, line := range sorted {
		if i > 0 && sorted[i-1].ProductID == line.ProductID {
			continue
		}
		var id string
		err := tx.GetContext(ctx, &id, "SELECT id FROM products WHERE id = $1 FOR UPDATE", line.ProductID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to lock product: %w", err)
		}
	}
	return nil
}

func reserveLinesTx(ctx context.Context, tx *sqlx.Tx, lines []models.StockLine) error {
	lines = lockOrder(lines)
	if err := lockProductsTx(ctx, tx, lines); err != nil {
		return err
	}
	for _, line := range lines {
		if line.VariantID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE product_variants
				SET stock = stock - $1
				WHERE id = $2 AND product_id = $3 AND stock >= $1`,
				line.Quantity, line.VariantID, line.ProductID)
			if err != nil {
				return fmt.Errorf("failed to reserve variant stock: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return variantMissTx(ctx, tx, line)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET available_quantity = available_quantity - $1, updated_at = NOW()
			WHERE id = $2 AND available_quantity >= $1`,
			line.Quantity, line.ProductID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return productMissTx(ctx, tx, line)
		}
	}
	return nil
}

func restoreLinesTx(ctx context.Context, tx *sqlx.Tx, lines []models.StockLine) ([]string, error) {
	lines = lockOrder(lines)
	if err := lockProductsTx(ctx, tx, lines); err != nil {
		return nil, err
	}
	var skipped []string
	for _, line := range lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET available_quantity = available_quantity + $1, updated_at = NOW()
			WHERE id = $2`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to restore stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped = append(skipped, line.ProductID)
			continue
		}

		if line.VariantID != "" {
			_, err := tx.ExecContext(ctx, `
				UPDATE product_variants SET stock = stock + $1 WHERE id = $2 AND product_id = $3`,
				line.Quantity, line.VariantID, line.ProductID)
			if err != nil {
				return nil, fmt.Errorf("failed to restore variant stock: %w", err)
			}
		}
	}
	return skipped, nil
}

func productMissTx(ctx context.Context, tx *sqlx.Tx, line models.StockLine) error {
	var available int
	err := tx.GetContext(ctx, &available, "SELECT available_quantity FROM products WHERE id = $1", line.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, line.ProductID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: product %s available=%d requested=%d",
		apperr.ErrInsufficientStock, line.ProductID, available, line.Quantity)
}

func variantMissTx(ctx context.Context, tx *sqlx.Tx, line models.StockLine) error {
	var stock int
	err := tx.GetContext(ctx, &stock,
		"SELECT stock FROM product_variants WHERE id = $1 AND product_id = $2", line.VariantID, line.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", line.ProductID); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, line.ProductID)
		}
		return fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, line.VariantID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: variant %s available=%d requested=%d",
		apperr.ErrInsufficientStock, line.VariantID, stock, line.Quantity)
}

// productMiss explains why a guarded product update matched no row
func (s *Store) productMiss(ctx context.Context, q sqlx.QueryerContext, productID string, guardErr error) error {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, "SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", apperr.ErrProductNotFound, productID)
	}
	s.logger.Debug("guarded stock update rejected", zap.String("product_id", productID))
	return fmt.Errorf("%w: product %s", guardErr, productID)
}

// variantMiss explains why a guarded variant update matched no row
func (s *Store) variantMiss(ctx context.Context, q sqlx.QueryerContext, productID, variantID string, guardErr error) error {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists,
		"SELECT EXISTS(SELECT 1 FROM product_variants WHERE id = $1 AND product_id = $2)", variantID, productID)
	if err != nil {
		return err
	}
	if !exists {
		return s.productMiss(ctx, q, productID, fmt.Errorf("%w: %s", apperr.ErrVariantNotFound, variantID))
	}
	return fmt.Errorf("%w: variant %s", guardErr, variantID)
}
