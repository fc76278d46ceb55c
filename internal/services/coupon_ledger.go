package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/repositories"
)

// CouponLedger resolves coupons at checkout and counts their usage once paid.
type CouponLedger struct {
	repo repositories.CouponRepository
}

// NewCouponLedger wraps the coupon repository.
func NewCouponLedger(repo repositories.CouponRepository) (*CouponLedger, error) {
	if repo == nil {
		return nil, errors.New("coupon ledger: coupon repository is required")
	}
	return &CouponLedger{repo: repo}, nil
}

// Resolve loads the coupon by code and checks it can discount subtotal at now.
//
// TODO: enforce UserLimit once per-user redemptions are recorded; that needs a
// couponRedemptions collection keyed by coupon and user written in CommitUsage.
func (l *CouponLedger) Resolve(ctx context.Context, code string, subtotal int64, now time.Time) (*domain.Coupon, error) {
	code = domain.NormalizeCouponCode(code)
	if code == "" {
		return nil, nil
	}
	coupon, err := l.repo.FindByCode(ctx, code)
	if err != nil {
		mapped := mapRepositoryError(err)
		if errors.Is(mapped, ErrNotFound) {
			return nil, fmt.Errorf("%w: coupon %s", ErrNotFound, code)
		}
		return nil, mapped
	}
	if !coupon.IsValid(now) {
		return nil, fmt.Errorf("%w: coupon %s is not valid", ErrConflict, code)
	}
	if !coupon.MeetsMinimum(subtotal) {
		return nil, fmt.Errorf("%w: coupon %s requires a minimum order value of %d", ErrConflict, code, coupon.MinOrderValue)
	}
	return &coupon, nil
}

// CommitUsage increments the coupon's usedCount by one.
func (l *CouponLedger) CommitUsage(ctx context.Context, couponID string, now time.Time) error {
	if couponID == "" {
		return nil
	}
	return mapRepositoryError(l.repo.IncrementUsage(ctx, couponID, now))
}
