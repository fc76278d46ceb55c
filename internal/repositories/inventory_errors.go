package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates the product cannot cover the requested quantity.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorProductNotFound indicates the product document is missing.
	InventoryErrorProductNotFound InventoryErrorCode = "inventory_product_not_found"
	// InventoryErrorProductInactive indicates the product is not sellable.
	InventoryErrorProductInactive InventoryErrorCode = "inventory_product_inactive"
	// InventoryErrorReservationNotFound indicates the reservation document is missing.
	InventoryErrorReservationNotFound InventoryErrorCode = "inventory_reservation_not_found"
	// InventoryErrorInvalidReservationState indicates the reservation status forbids the operation.
	InventoryErrorInvalidReservationState InventoryErrorCode = "inventory_invalid_state"
)

// InventoryError carries a machine readable code and, for stock failures, the offending product.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Is matches another *InventoryError with the same code so callers can use errors.Is.
func (e *InventoryError) Is(target error) bool {
	other, ok := target.(*InventoryError)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	return NewProductInventoryError(code, "", message, err)
}

// NewProductInventoryError constructs a typed inventory error tied to a product.
func NewProductInventoryError(code InventoryErrorCode, productID, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		ProductID: productID,
		Message:   message,
		Err:       err,
	}
}
