package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/waterjunction/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ErrInvalidPageToken is returned by List when the page token cannot be decoded.
var ErrInvalidPageToken = errors.New("repositories: invalid page token")

// ErrInvalidCounter is returned by CounterRepository.Next for a blank counter
// id or a non-positive step.
var ErrInvalidCounter = errors.New("repositories: invalid counter request")

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID          string
	Status          []domain.OrderStatus
	ShippingPending *bool
	Pagination      domain.Pagination
}

// OrderMutation edits an order inside a read-modify-write transaction. Returning
// an error aborts the write.
type OrderMutation func(order *domain.Order) error

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Mutate reads the order, applies fn and writes the result atomically.
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ProductRepository reads the catalog fields the order flow depends on.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// InventoryReserveRequest describes the stock to hold for a pending order.
type InventoryReserveRequest struct {
	ReservationID string
	OrderID       string
	UserID        string
	Lines         []domain.ReservationLine
	ExpiresAt     time.Time
	Now           time.Time
}

// InventoryRepository mutates product stock, reservation and sales counters.
type InventoryRepository interface {
	// Reserve holds stock for every line or none of them.
	Reserve(ctx context.Context, req InventoryReserveRequest) (domain.StockReservation, error)
	// Commit converts reserved stock into sales. Only reserved reservations can be committed.
	Commit(ctx context.Context, reservationID string, now time.Time) (domain.StockReservation, error)
	// Release returns reserved stock. Only reserved reservations can be released.
	Release(ctx context.Context, reservationID string, reason string, now time.Time) (domain.StockReservation, error)
	// Restore adds the given quantities back to stock for a committed reservation.
	Restore(ctx context.Context, reservationID string, lines []domain.ReservationLine, now time.Time) (domain.StockReservation, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]domain.StockReservation, error)
}

// CouponRepository reads coupons and bumps their usage counter.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, couponID string, now time.Time) error
}

// CounterRepository provides atomic sequence generation.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// CartRepository reads and clears the buyer's cart snapshot.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}
