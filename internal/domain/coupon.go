package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CouponType enumerates supported discount calculations.
type CouponType string

const (
	// CouponTypePercentage discounts a percentage of the order value.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixed discounts a fixed amount in minor units.
	CouponTypeFixed CouponType = "fixed"
)

// Coupon is the registry entry referenced by orders.
//
// Value holds percentage points for percentage coupons and minor currency
// units for fixed coupons. MinOrderValue and MaxDiscount are minor units.
type Coupon struct {
	ID            string
	Code          string
	Type          CouponType
	Value         decimal.Decimal
	MinOrderValue int64
	MaxDiscount   *int64
	ValidFrom     time.Time
	ValidUntil    time.Time
	UsageLimit    *int
	UsedCount     int
	// UserLimit is stored but not enforced when orders are placed.
	UserLimit *int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCouponCode upper-cases and trims a coupon code for lookups.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValid reports whether the coupon can be applied at the given instant.
// Zero validity bounds are treated as open.
func (c Coupon) IsValid(now time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return false
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return false
	}
	return true
}

// MeetsMinimum reports whether the order value reaches MinOrderValue.
func (c Coupon) MeetsMinimum(orderValue int64) bool {
	return orderValue >= c.MinOrderValue
}

// CalculateDiscount returns the discount for orderValue in minor units.
// Minor units carry two decimals of the currency, so rounding to a whole
// minor unit is rounding to 2 decimals. The result never exceeds orderValue.
func (c Coupon) CalculateDiscount(orderValue int64) int64 {
	if orderValue <= 0 || c.Value.IsNegative() {
		return 0
	}
	value := decimal.NewFromInt(orderValue)

	var discount decimal.Decimal
	switch c.Type {
	case CouponTypePercentage:
		discount = value.Mul(c.Value).Div(decimal.NewFromInt(100))
		if c.MaxDiscount != nil {
			discount = decimal.Min(discount, decimal.NewFromInt(*c.MaxDiscount))
		}
	case CouponTypeFixed:
		discount = decimal.Min(c.Value, value)
	default:
		return 0
	}

	discount = decimal.Min(discount.Round(0), value)
	if discount.IsNegative() {
		return 0
	}
	return discount.IntPart()
}
