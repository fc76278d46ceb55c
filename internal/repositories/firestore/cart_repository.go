package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/waterjunction/api/internal/domain"
	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
)

const cartsCollection = "carts"

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Variant   string `firestore:"variant,omitempty"`
	Quantity  int    `firestore:"quantity"`
}

type cartDocument struct {
	Items      []cartItemDocument `firestore:"items"`
	CouponCode string             `firestore:"couponCode,omitempty"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

// CartRepository reads carts keyed by user id. Cart editing lives elsewhere;
// the order flow only snapshots and clears.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
	clock func() time.Time
}

// NewCartRepository constructs the repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[cartDocument](provider, cartsCollection),
		clock: time.Now,
	}, nil
}

// Get returns the cart; a missing document is an empty cart.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.carts.Get(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, err
	}
	cart := domain.Cart{
		UserID:     userID,
		Items:      make([]domain.CartItem, 0, len(doc.Data.Items)),
		CouponCode: doc.Data.CouponCode,
		UpdatedAt:  doc.Data.UpdatedAt.UTC(),
	}
	for _, item := range doc.Data.Items {
		cart.Items = append(cart.Items, domain.CartItem(item))
	}
	return cart, nil
}

// Clear empties the cart and drops its coupon.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	return r.carts.Set(ctx, userID, cartDocument{
		Items:     []cartItemDocument{},
		UpdatedAt: r.clock().UTC(),
	})
}

