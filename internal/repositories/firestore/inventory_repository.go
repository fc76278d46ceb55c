package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/waterjunction/api/internal/domain"
	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
	"github.com/waterjunction/api/internal/repositories"
)

const (
	productsCollection          = "products"
	stockReservationsCollection = "stockReservations"
)

type productDocument struct {
	Name        string    `firestore:"name"`
	Image       string    `firestore:"image,omitempty"`
	SKU         string    `firestore:"sku,omitempty"`
	Price       int64     `firestore:"price"`
	Stock       int       `firestore:"stock"`
	Reserved    int       `firestore:"reserved"`
	Sales       int       `firestore:"sales"`
	WeightGrams int       `firestore:"weightGrams,omitempty"`
	Active      bool      `firestore:"active"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        d.Name,
		Image:       d.Image,
		SKU:         d.SKU,
		Price:       d.Price,
		Stock:       d.Stock,
		Reserved:    d.Reserved,
		Sales:       d.Sales,
		WeightGrams: d.WeightGrams,
		Active:      d.Active,
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

type reservationLineDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"quantity"`
}

type reservationDocument struct {
	OrderID   string                    `firestore:"orderId"`
	UserID    string                    `firestore:"userId"`
	Status    string                    `firestore:"status"`
	Lines     []reservationLineDocument `firestore:"lines"`
	Reason    string                    `firestore:"reason,omitempty"`
	ExpiresAt time.Time                 `firestore:"expiresAt"`
	CreatedAt time.Time                 `firestore:"createdAt"`
	UpdatedAt time.Time                 `firestore:"updatedAt"`
}

func (d reservationDocument) toDomain(id string) domain.StockReservation {
	res := domain.StockReservation{
		ID:        id,
		OrderID:   d.OrderID,
		UserID:    d.UserID,
		Status:    domain.ReservationStatus(d.Status),
		Lines:     make([]domain.ReservationLine, 0, len(d.Lines)),
		Reason:    d.Reason,
		ExpiresAt: d.ExpiresAt.UTC(),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	for _, line := range d.Lines {
		res.Lines = append(res.Lines, domain.ReservationLine(line))
	}
	return res
}

// InventoryRepository keeps product stock, reserved and sales counters
// consistent with stock reservation documents. Every operation runs in a
// single transaction covering the reservation and all affected products.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	products     *pfirestore.Collection[productDocument]
	reservations *pfirestore.Collection[reservationDocument]
}

// NewInventoryRepository constructs the repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:     provider,
		products:     pfirestore.NewCollection[productDocument](provider, productsCollection),
		reservations: pfirestore.NewCollection[reservationDocument](provider, stockReservationsCollection),
	}, nil
}

// FindByID implements repositories.ProductRepository.
func (r *InventoryRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Reserve holds stock for all lines or fails without side effects.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (domain.StockReservation, error) {
	if strings.TrimSpace(req.ReservationID) == "" {
		return domain.StockReservation{}, errors.New("inventory reserve: reservation id is required")
	}
	lines, err := mergeLines(req.Lines)
	if err != nil {
		return domain.StockReservation{}, err
	}
	now := req.Now.UTC()
	doc := reservationDocument{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Status:    string(domain.ReservationStatusReserved),
		ExpiresAt: req.ExpiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, line := range lines {
		doc.Lines = append(doc.Lines, reservationLineDocument(line))
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs, products, err := r.readProducts(tx, lines)
		if err != nil {
			return err
		}
		for i, line := range lines {
			product := products[i]
			if !product.Active {
				return repositories.NewProductInventoryError(repositories.InventoryErrorProductInactive, line.ProductID,
					fmt.Sprintf("product %s is not available", line.ProductID), nil)
			}
			if product.Stock-product.Reserved < line.Quantity {
				return repositories.NewProductInventoryError(repositories.InventoryErrorInsufficientStock, line.ProductID,
					fmt.Sprintf("insufficient stock for %s", line.ProductID), nil)
			}
		}

		resRef, err := r.reservations.Doc(req.ReservationID)
		if err != nil {
			return err
		}
		if err := tx.Create(resRef, doc); err != nil {
			return err
		}
		for i, line := range lines {
			if err := tx.Update(refs[i], []firestore.Update{
				{Path: "reserved", Value: firestore.Increment(line.Quantity)},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.StockReservation{}, pfirestore.WrapError("inventory.reserve", err)
	}
	return doc.toDomain(req.ReservationID), nil
}

// Commit turns reserved quantities into sales.
func (r *InventoryRepository) Commit(ctx context.Context, reservationID string, now time.Time) (domain.StockReservation, error) {
	return r.transition(ctx, "inventory.commit", reservationID, domain.ReservationStatusReserved, domain.ReservationStatusCommitted, "", now,
		func(line domain.ReservationLine) []firestore.Update {
			return []firestore.Update{
				{Path: "stock", Value: firestore.Increment(-line.Quantity)},
				{Path: "reserved", Value: firestore.Increment(-line.Quantity)},
				{Path: "sales", Value: firestore.Increment(line.Quantity)},
			}
		}, nil)
}

// Release returns reserved quantities to the available pool.
func (r *InventoryRepository) Release(ctx context.Context, reservationID, reason string, now time.Time) (domain.StockReservation, error) {
	return r.transition(ctx, "inventory.release", reservationID, domain.ReservationStatusReserved, domain.ReservationStatusReleased, reason, now,
		func(line domain.ReservationLine) []firestore.Update {
			return []firestore.Update{
				{Path: "reserved", Value: firestore.Increment(-line.Quantity)},
			}
		}, nil)
}

// Restore adds lines back to stock after a committed reservation's order is cancelled.
// Sales counters are left untouched.
func (r *InventoryRepository) Restore(ctx context.Context, reservationID string, lines []domain.ReservationLine, now time.Time) (domain.StockReservation, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return domain.StockReservation{}, err
	}
	return r.transition(ctx, "inventory.restore", reservationID, domain.ReservationStatusCommitted, domain.ReservationStatusRestored, "", now,
		func(line domain.ReservationLine) []firestore.Update {
			return []firestore.Update{
				{Path: "stock", Value: firestore.Increment(line.Quantity)},
			}
		}, merged)
}

// ListExpiredReservations returns reservations still holding stock past their expiry.
func (r *InventoryRepository) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]domain.StockReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.reservations.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.ReservationStatusReserved)).
			Where("expiresAt", "<=", before.UTC()).
			OrderBy("expiresAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockReservation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// transition moves a reservation from one status to another and applies the
// per-line product updates. When lines is nil the reservation's own lines are used.
func (r *InventoryRepository) transition(
	ctx context.Context,
	op, reservationID string,
	from, to domain.ReservationStatus,
	reason string,
	now time.Time,
	updates func(domain.ReservationLine) []firestore.Update,
	lines []domain.ReservationLine,
) (domain.StockReservation, error) {
	now = now.UTC()
	var result domain.StockReservation
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res, err := r.reservations.GetTx(tx, reservationID)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound,
					fmt.Sprintf("reservation %s not found", reservationID), err)
			}
			return err
		}
		if domain.ReservationStatus(res.Data.Status) != from {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState,
				fmt.Sprintf("reservation %s is %s, expected %s", reservationID, res.Data.Status, from), nil)
		}

		applied := lines
		if applied == nil {
			applied = res.Data.toDomain(res.ID).Lines
		}
		for _, line := range applied {
			ref, err := r.products.Doc(line.ProductID)
			if err != nil {
				return err
			}
			fields := append(updates(line), firestore.Update{Path: "updatedAt", Value: now})
			if err := tx.Update(ref, fields); err != nil {
				return err
			}
		}

		resRef, err := r.reservations.Doc(reservationID)
		if err != nil {
			return err
		}
		resUpdates := []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: now},
		}
		if reason != "" {
			resUpdates = append(resUpdates, firestore.Update{Path: "reason", Value: reason})
		}
		if err := tx.Update(resRef, resUpdates); err != nil {
			return err
		}

		result = res.Data.toDomain(res.ID)
		result.Status = to
		result.UpdatedAt = now
		if reason != "" {
			result.Reason = reason
		}
		return nil
	})
	if err != nil {
		return domain.StockReservation{}, pfirestore.WrapError(op, err)
	}
	return result, nil
}

func (r *InventoryRepository) readProducts(tx *firestore.Transaction, lines []domain.ReservationLine) ([]*firestore.DocumentRef, []productDocument, error) {
	refs := make([]*firestore.DocumentRef, 0, len(lines))
	for _, line := range lines {
		ref, err := r.products.Doc(line.ProductID)
		if err != nil {
			return nil, nil, err
		}
		refs = append(refs, ref)
	}
	snaps, err := tx.GetAll(refs)
	if err != nil {
		return nil, nil, err
	}
	products := make([]productDocument, len(snaps))
	for i, snap := range snaps {
		if !snap.Exists() {
			return nil, nil, repositories.NewProductInventoryError(repositories.InventoryErrorProductNotFound, lines[i].ProductID,
				fmt.Sprintf("product %s not found", lines[i].ProductID), nil)
		}
		doc, err := r.products.Decode(snap)
		if err != nil {
			return nil, nil, err
		}
		products[i] = doc.Data
	}
	return refs, products, nil
}

// mergeLines sums quantities per product and orders lines by product id so
// concurrent transactions touch documents in the same order.
func mergeLines(lines []domain.ReservationLine) ([]domain.ReservationLine, error) {
	if len(lines) == 0 {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "at least one line is required", nil)
	}
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" || line.Quantity <= 0 {
			return nil, repositories.NewProductInventoryError(repositories.InventoryErrorUnknown, id,
				fmt.Sprintf("invalid line for product %q quantity %d", id, line.Quantity), nil)
		}
		totals[id] += line.Quantity
	}
	merged := make([]domain.ReservationLine, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, domain.ReservationLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}
