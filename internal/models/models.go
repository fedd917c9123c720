package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// User is the subset of the user directory this service reads
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Product represents a product stock record. Prices are in minor units.
type Product struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Price             int64     `db:"price" json:"price"`
	AvailableQuantity int       `db:"available_quantity" json:"available_quantity"`
	Variants          []Variant `db:"-" json:"variants,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// HasVariants reports whether the product is only sold through variants
func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// FindVariant returns the variant with the given id
func (p *Product) FindVariant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Variant is a purchasable sub-SKU of a product
type Variant struct {
	ID            string `db:"id" json:"id"`
	ProductID     string `db:"product_id" json:"product_id"`
	Size          string `db:"size" json:"size"`
	Color         string `db:"color" json:"color"`
	SKU           string `db:"sku" json:"sku"`
	Stock         int    `db:"stock" json:"stock"`
	PriceModifier int64  `db:"price_modifier" json:"price_modifier"`
}

func (v *Variant) Label() string {
	return fmt.Sprintf("%s / %s", v.Size, v.Color)
}

// Image is a product image; the cover is the one flagged IsCover, else the first
type Image struct {
	ID        string    `db:"id" json:"id"`
	ProductID string    `db:"product_id" json:"product_id"`
	URL       string    `db:"url" json:"url"`
	IsCover   bool      `db:"is_cover" json:"is_cover"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StockLine is one product (and optional variant) quantity in a stock operation
type StockLine struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// StockReport is a row of the low-stock / out-of-stock reports
type StockReport struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	VariantID    string `json:"variant_id,omitempty"`
	VariantSKU   string `json:"variant_sku,omitempty"`
	CurrentStock int    `json:"current_stock"`
	Threshold    int    `json:"threshold"`
}

// Cart holds references only; prices are resolved on every read
type Cart struct {
	ID        string     `bson:"_id" json:"id"`
	UserID    string     `bson:"user_id" json:"user_id"`
	Items     []CartItem `bson:"items" json:"items"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// FindItem returns the index of the line for (productID, variantID), or -1
func (c *Cart) FindItem(productID, variantID string) int {
	for i, item := range c.Items {
		if item.ProductID == productID && item.VariantID == variantID {
			return i
		}
	}
	return -1
}

type CartItem struct {
	ProductID string    `bson:"product_id" json:"product_id"`
	VariantID string    `bson:"variant_id,omitempty" json:"variant_id,omitempty"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	AddedAt   time.Time `bson:"added_at" json:"added_at"`
}

// CartView is a priced snapshot of a cart computed at read time
type CartView struct {
	CartID     string         `json:"cart_id"`
	Items      []CartLineView `json:"items"`
	TotalItems int            `json:"total_items"`
	Subtotal   int64          `json:"subtotal"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type CartLineView struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	UnitPrice    int64  `json:"unit_price"`
	Quantity     int    `json:"quantity"`
	Subtotal     int64  `json:"subtotal"`
	ProductImage string `json:"product_image,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`
	VariantName  string `json:"variant_name,omitempty"`
}

// Address is copied by value into orders
type Address struct {
	FullName     string `json:"full_name" binding:"required"`
	AddressLine1 string `json:"address_line1" binding:"required"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city" binding:"required"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code" binding:"required"`
	Country      string `json:"country" binding:"required"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

// IsZero reports whether no field is set
func (a Address) IsZero() bool {
	return a == Address{}
}

// Value stores the address as JSONB
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan reads a JSONB address
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address type %T", src)
	}
}

// Order represents a customer order
type Order struct {
	ID              string        `db:"id" json:"id"`
	OrderNumber     string        `db:"order_number" json:"order_number"`
	UserID          string        `db:"user_id" json:"user_id"`
	Subtotal        int64         `db:"subtotal" json:"subtotal"`
	Tax             int64         `db:"tax" json:"tax"`
	ShippingFee     int64         `db:"shipping_fee" json:"shipping_fee"`
	Discount        int64         `db:"discount" json:"discount"`
	Total           int64         `db:"total" json:"total"`
	Currency        string        `db:"currency" json:"currency"`
	Status          OrderStatus   `db:"status" json:"status"`
	PaymentStatus   PaymentStatus `db:"payment_status" json:"payment_status"`
	ShippingAddress Address       `db:"shipping_address" json:"shipping_address"`
	BillingAddress  Address       `db:"billing_address" json:"billing_address"`
	PaymentMethod   string        `db:"payment_method" json:"payment_method,omitempty"`
	PaymentIntentID string        `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	Notes           string        `db:"notes" json:"notes,omitempty"`
	IdempotencyKey  string        `db:"idempotency_key" json:"-"`
	StockReleased   bool          `db:"stock_released" json:"-"`
	DeliveredAt     *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt     *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt      *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	Items           []OrderItem   `db:"-" json:"items"`
}

// StockLines returns the stock held by the order's line items
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, StockLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

// OrderItem is an immutable snapshot taken at order creation
type OrderItem struct {
	ID           string `db:"id" json:"id"`
	OrderID      string `db:"order_id" json:"order_id"`
	ProductID    string `db:"product_id" json:"product_id"`
	VariantID    string `db:"variant_id" json:"variant_id,omitempty"`
	ProductName  string `db:"product_name" json:"product_name"`
	UnitPrice    int64  `db:"unit_price" json:"unit_price"`
	Quantity     int    `db:"quantity" json:"quantity"`
	Subtotal     int64  `db:"subtotal" json:"subtotal"`
	ProductImage string `db:"product_image" json:"product_image,omitempty"`
	VariantLabel string `db:"variant_label" json:"variant_label,omitempty"`
}

// OrderMutation edits an order loaded for update. Returning release=true asks
// the store to give the order's stock back in the same unit of work; the
// store does so at most once per order.
type OrderMutation func(order *Order) (release bool, err error)

// OrderStatus is the fulfilment lifecycle state
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal statuses accept no further status updates
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentStatus is independent of OrderStatus
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentOutcome is what the payment gateway reports for an order
type PaymentOutcome struct {
	EventID         string
	OrderID         string
	PaymentIntentID string
	Outcome         string
}

// Payment outcomes
const (
	PaymentOutcomeSucceeded = "succeeded"
	PaymentOutcomeFailed    = "failed"
	PaymentOutcomeCanceled  = "canceled"
)
