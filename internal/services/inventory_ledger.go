package services

import (
	"context"
	"errors"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/repositories"
)

// InventoryLedger moves stock between available, reserved and sold. Every
// operation is guarded by the reservation status, so repeating one is
// rejected with ErrInvalidState instead of moving stock twice.
type InventoryLedger struct {
	repo repositories.InventoryRepository
}

// NewInventoryLedger wraps the inventory repository.
func NewInventoryLedger(repo repositories.InventoryRepository) (*InventoryLedger, error) {
	if repo == nil {
		return nil, errors.New("inventory ledger: inventory repository is required")
	}
	return &InventoryLedger{repo: repo}, nil
}

// Reserve holds stock for every item or fails without holding any.
func (l *InventoryLedger) Reserve(ctx context.Context, reservationID, orderID, userID string, items []domain.OrderItem, expiresAt, now time.Time) (domain.StockReservation, error) {
	res, err := l.repo.Reserve(ctx, repositories.InventoryReserveRequest{
		ReservationID: reservationID,
		OrderID:       orderID,
		UserID:        userID,
		Lines:         reservationLines(items),
		ExpiresAt:     expiresAt,
		Now:           now,
	})
	return res, mapRepositoryError(err)
}

// Commit converts the reservation into sales: stock and reserved drop, sales rise.
func (l *InventoryLedger) Commit(ctx context.Context, reservationID string, now time.Time) (domain.StockReservation, error) {
	res, err := l.repo.Commit(ctx, reservationID, now)
	return res, mapRepositoryError(err)
}

// Release hands reserved stock back without touching sales.
func (l *InventoryLedger) Release(ctx context.Context, reservationID, reason string, now time.Time) (domain.StockReservation, error) {
	res, err := l.repo.Release(ctx, reservationID, reason, now)
	return res, mapRepositoryError(err)
}

// Restore adds the snapshot quantities of a committed order back to stock.
func (l *InventoryLedger) Restore(ctx context.Context, reservationID string, items []domain.OrderItem, now time.Time) (domain.StockReservation, error) {
	res, err := l.repo.Restore(ctx, reservationID, reservationLines(items), now)
	return res, mapRepositoryError(err)
}

// Expired lists reservations still held past their expiry.
func (l *InventoryLedger) Expired(ctx context.Context, before time.Time, limit int) ([]domain.StockReservation, error) {
	res, err := l.repo.ListExpiredReservations(ctx, before, limit)
	return res, mapRepositoryError(err)
}

func reservationLines(items []domain.OrderItem) []domain.ReservationLine {
	lines := make([]domain.ReservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.ReservationLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
