package services

import (
	"context"
	"errors"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/repositories"
)

const defaultSweepBatchSize = 100

// ReservationSweeperDeps bundles collaborators for the expiry sweeper.
type ReservationSweeperDeps struct {
	Orders    repositories.OrderRepository
	Inventory repositories.InventoryRepository
	Events    OrderEventPublisher
	Metrics   OrderMetrics
	BatchSize int
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Scanned   int
	Released  int
	Committed int
	Cancelled int
}

// ReservationSweeper returns stock held by orders that were never paid. An
// expired reservation whose order did get paid is committed instead, which
// repairs a verification that lost its commit.
type ReservationSweeper struct {
	orders    repositories.OrderRepository
	inventory *InventoryLedger
	events    OrderEventPublisher
	metrics   OrderMetrics
	batchSize int
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewReservationSweeper validates dependencies.
func NewReservationSweeper(deps ReservationSweeperDeps) (*ReservationSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("reservation sweeper: order repository is required")
	}
	inventory, err := NewInventoryLedger(deps.Inventory)
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &ReservationSweeper{
		orders:    deps.Orders,
		inventory: inventory,
		events:    deps.Events,
		metrics:   metrics,
		batchSize: batch,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *ReservationSweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger(ctx, "reservation.sweep.failed", map[string]any{"error": err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep processes one batch of expired reservations.
func (s *ReservationSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock()
	expired, err := s.inventory.Expired(ctx, now, s.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, reservation := range expired {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Scanned++
		s.sweepOne(ctx, reservation, now, &result)
	}
	if result.Scanned > 0 {
		s.logger(ctx, "reservation.sweep.completed", map[string]any{
			"scanned":   result.Scanned,
			"released":  result.Released,
			"committed": result.Committed,
			"cancelled": result.Cancelled,
		})
	}
	return result, nil
}

func (s *ReservationSweeper) sweepOne(ctx context.Context, reservation domain.StockReservation, now time.Time, result *SweepResult) {
	order, err := s.orders.FindByID(ctx, reservation.OrderID)
	if err != nil {
		if errors.Is(mapRepositoryError(err), ErrNotFound) {
			s.release(ctx, reservation, "order_missing", now, result)
			return
		}
		s.logger(ctx, "reservation.sweep.order_lookup_failed", map[string]any{"reservationId": reservation.ID, "orderId": reservation.OrderID, "error": err})
		return
	}

	if order.PaymentStatus == domain.PaymentStatusPaid {
		s.commit(ctx, reservation, now, result)
		return
	}
	if order.Status != domain.OrderStatusPending {
		s.release(ctx, reservation, reasonReservationExpiry, now, result)
		return
	}

	cancelled, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.PaymentStatusPending {
			return errSweepNotPending
		}
		o.CancellationReason = reasonReservationExpiry
		return o.Transition(domain.OrderStatusCancelled, now, reasonReservationExpiry)
	})
	switch {
	case errors.Is(err, errSweepNotPending):
		// lost a race with verification or a buyer cancel
		fresh, loadErr := s.orders.FindByID(ctx, order.ID)
		if loadErr == nil && fresh.PaymentStatus == domain.PaymentStatusPaid {
			s.commit(ctx, reservation, now, result)
			return
		}
		s.release(ctx, reservation, reasonReservationExpiry, now, result)
		return
	case err != nil:
		s.logger(ctx, "reservation.sweep.cancel_failed", map[string]any{"orderId": order.ID, "error": err})
		return
	}

	result.Cancelled++
	s.release(ctx, reservation, reasonReservationExpiry, now, result)
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        cancelled.ID,
		OrderNumber:    cancelled.OrderNumber,
		UserID:         cancelled.UserID,
		PreviousStatus: string(domain.OrderStatusPending),
		CurrentStatus:  string(cancelled.Status),
		ActorID:        "system",
		OccurredAt:     now,
		Metadata:       map[string]any{"reason": reasonReservationExpiry},
	})
}

func (s *ReservationSweeper) release(ctx context.Context, reservation domain.StockReservation, reason string, now time.Time, result *SweepResult) {
	if _, err := s.inventory.Release(ctx, reservation.ID, reason, now); err != nil {
		if !errors.Is(err, ErrInvalidState) {
			s.logger(ctx, "reservation.sweep.release_failed", map[string]any{"reservationId": reservation.ID, "error": err})
		}
		return
	}
	result.Released++
	s.metrics.ReservationReleased(ctx, reason)
}

func (s *ReservationSweeper) commit(ctx context.Context, reservation domain.StockReservation, now time.Time, result *SweepResult) {
	if _, err := s.inventory.Commit(ctx, reservation.ID, now); err != nil {
		if !errors.Is(err, ErrInvalidState) {
			s.logger(ctx, "reservation.sweep.commit_failed", map[string]any{"reservationId": reservation.ID, "error": err})
		}
		return
	}
	result.Committed++
}
