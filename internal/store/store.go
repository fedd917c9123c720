package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, logger: util.ComponentLogger("store")}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection for readiness checks
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing only if fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT id, email, name, created_at FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a user record
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := s.db.GetContext(ctx, &user.CreatedAt, query, user.ID, user.Email, user.Name)
	return mapWriteError(err)
}

// GetProductByID retrieves a product and its variants
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, productSelect+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.SelectContext(ctx, &product.Variants, variantSelect+" WHERE product_id = $1 ORDER BY sku", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}

	return &product, nil
}

// CreateProduct inserts a product together with its variants
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO products (id, name, price, available_quantity)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, updated_at`

		row := tx.QueryRowxContext(ctx, query, product.ID, product.Name, product.Price, product.AvailableQuantity)
		if err := row.Scan(&product.CreatedAt, &product.UpdatedAt); err != nil {
			return mapWriteError(err)
		}

		for i := range product.Variants {
			v := &product.Variants[i]
			v.ProductID = product.ID
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO product_variants (id, product_id, size, color, sku, stock, price_modifier)
				VALUES (:id, :product_id, :size, :color, :sku, :stock, :price_modifier)`, v)
			if err != nil {
				return mapWriteError(err)
			}
		}
		return nil
	})
}

// GetCoverImage returns the cover image URL of a product, or "" when it has none
func (s *Store) GetCoverImage(ctx context.Context, productID string) (string, error) {
	var url string
	err := s.db.GetContext(ctx, &url, `
		SELECT url FROM product_images
		WHERE product_id = $1
		ORDER BY is_cover DESC, created_at ASC
		LIMIT 1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return url, err
}

// AddImage stores a product image
func (s *Store) AddImage(ctx context.Context, image *models.Image) error {
	query := `
		INSERT INTO product_images (id, product_id, url, is_cover)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := s.db.GetContext(ctx, &image.CreatedAt, query, image.ID, image.ProductID, image.URL, image.IsCover)
	return mapWriteError(err)
}

const productSelect = `SELECT id, name, price, available_quantity, created_at, updated_at FROM products`

const variantSelect = `SELECT id, product_id, size, color, sku, stock, price_modifier FROM product_variants`

// mapWriteError classifies unique violations as duplicates
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", apperr.ErrDuplicate, pqErr.Constraint)
	}
	return err
}
