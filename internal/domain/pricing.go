package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	// DefaultTaxRateBasisPoints is 18% expressed in basis points.
	DefaultTaxRateBasisPoints = 1800
	// MinorUnitsPerMajor is the number of minor units in one currency unit.
	MinorUnitsPerMajor = 100
)

// ErrEmptyOrder is returned when totals are requested for an order without items.
var ErrEmptyOrder = errors.New("domain: order has no items")

// PricingPolicy fixes the tax rate and flat shipping charge applied to every order.
type PricingPolicy struct {
	TaxRateBasisPoints int64
	FlatShipping       int64
}

// DefaultPricingPolicy charges 18% tax and free shipping.
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{TaxRateBasisPoints: DefaultTaxRateBasisPoints}
}

// Subtotal sums price*quantity across items.
func Subtotal(items []OrderItem) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += item.LineTotal()
	}
	return subtotal
}

// Tax rounds (taxable * rate) to whole currency units and returns minor units.
func (p PricingPolicy) Tax(taxable int64) int64 {
	if taxable <= 0 || p.TaxRateBasisPoints <= 0 {
		return 0
	}
	major := decimal.NewFromInt(taxable).
		Mul(decimal.NewFromInt(p.TaxRateBasisPoints)).
		Div(decimal.NewFromInt(10000)).
		Div(decimal.NewFromInt(MinorUnitsPerMajor)).
		Round(0)
	return major.Mul(decimal.NewFromInt(MinorUnitsPerMajor)).IntPart()
}

// Totals computes the order money fields. The coupon is optional and must
// already be validated by the caller.
func (p PricingPolicy) Totals(items []OrderItem, coupon *Coupon) (OrderTotals, error) {
	if len(items) == 0 {
		return OrderTotals{}, ErrEmptyOrder
	}
	totals := OrderTotals{
		Subtotal: Subtotal(items),
		Shipping: p.FlatShipping,
	}
	if coupon != nil {
		totals.Discount = coupon.CalculateDiscount(totals.Subtotal)
	}
	totals.Tax = p.Tax(totals.Subtotal - totals.Discount)
	totals.Total = totals.Subtotal - totals.Discount + totals.Shipping + totals.Tax
	return totals, nil
}
