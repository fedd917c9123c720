package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers that need to react to it (HTTP status,
// retry policy) without matching individual sentinels.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindForbidden         Kind = "FORBIDDEN"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindInternal          Kind = "INTERNAL"
)

// Error is a classified domain error. Two *Error values match under errors.Is
// when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrUserNotFound    = New(KindNotFound, "user_not_found", "user not found")
	ErrProductNotFound = New(KindNotFound, "product_not_found", "product not found")
	ErrVariantNotFound = New(KindNotFound, "variant_not_found", "variant not found")
	ErrOrderNotFound   = New(KindNotFound, "order_not_found", "order not found")
	ErrCartNotFound    = New(KindNotFound, "cart_not_found", "cart not found")
	ErrItemNotFound    = New(KindNotFound, "item_not_found", "item not found in cart")

	ErrDuplicate          = New(KindConflict, "duplicate", "duplicate record")
	ErrCheckoutInProgress = New(KindConflict, "checkout_in_progress", "checkout already in progress")
	ErrOrderNumberTaken   = New(KindConflict, "order_number_taken", "order number already in use")

	ErrVariantRequired   = New(KindInvalidInput, "variant_required", "product has variants, a variant must be selected")
	ErrInsufficientStock = New(KindInvalidInput, "insufficient_stock", "insufficient stock")
	ErrNegativeStock     = New(KindInvalidInput, "negative_stock", "stock adjustment would result in negative inventory")
	ErrNegativeQuantity  = New(KindInvalidInput, "negative_quantity", "stock quantity cannot be negative")
	ErrInvalidQuantity   = New(KindInvalidInput, "invalid_quantity", "quantity must be at least 1")
	ErrEmptyOrder        = New(KindInvalidInput, "empty_order", "order must contain at least one item")
	ErrNegativeTotal     = New(KindInvalidInput, "negative_total", "order total cannot be negative")
	ErrNegativeAmount    = New(KindInvalidInput, "negative_amount", "fees, tax and discount cannot be negative")
	ErrInvalidStatus     = New(KindInvalidInput, "invalid_status", "unknown status value")
	ErrInvalidInput      = New(KindInvalidInput, "invalid_input", "invalid input")

	ErrForbidden = New(KindForbidden, "forbidden", "you can only act on your own orders")

	ErrInvalidTransition = New(KindInvalidTransition, "invalid_transition", "order status cannot be changed")
	ErrInvalidState      = New(KindInvalidTransition, "invalid_state", "order is not in a valid state for this operation")
)

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
