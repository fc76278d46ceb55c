package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/waterjunction/api/internal/domain"
	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
)

const couponsCollection = "coupons"

type couponDocument struct {
	Code          string    `firestore:"code"`
	Type          string    `firestore:"type"`
	Value         float64   `firestore:"value"`
	MinOrderValue int64     `firestore:"minOrderValue"`
	MaxDiscount   *int64    `firestore:"maxDiscount,omitempty"`
	ValidFrom     time.Time `firestore:"validFrom"`
	ValidUntil    time.Time `firestore:"validUntil"`
	UsageLimit    *int      `firestore:"usageLimit,omitempty"`
	UsedCount     int       `firestore:"usedCount"`
	UserLimit     *int      `firestore:"userLimit,omitempty"`
	Active        bool      `firestore:"active"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:            id,
		Code:          d.Code,
		Type:          domain.CouponType(d.Type),
		Value:         decimal.NewFromFloat(d.Value),
		MinOrderValue: d.MinOrderValue,
		MaxDiscount:   d.MaxDiscount,
		ValidFrom:     d.ValidFrom.UTC(),
		ValidUntil:    d.ValidUntil.UTC(),
		UsageLimit:    d.UsageLimit,
		UsedCount:     d.UsedCount,
		UserLimit:     d.UserLimit,
		Active:        d.Active,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

// CouponRepository reads the coupon registry and maintains usedCount.
type CouponRepository struct {
	coupons *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs the repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{coupons: pfirestore.NewCollection[couponDocument](provider, couponsCollection)}, nil
}

// FindByCode looks up a coupon by its normalised code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalised := domain.NormalizeCouponCode(code)
	docs, err := r.coupons.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", normalised).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	if len(docs) == 0 {
		return domain.Coupon{}, pfirestore.NotFound("coupons.findByCode", fmt.Errorf("coupon %q not found", normalised))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// IncrementUsage atomically bumps usedCount by one.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, now time.Time) error {
	return r.coupons.Update(ctx, couponID, []firestore.Update{
		{Path: "usedCount", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: now.UTC()},
	})
}
