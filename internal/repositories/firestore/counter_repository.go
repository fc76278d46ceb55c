package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
	"github.com/waterjunction/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository allocates monotonically increasing sequence numbers.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	clock    func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		clock:    time.Now,
	}, nil
}

// Next increments counterID by step and returns the new value. Missing
// counters start at zero.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, fmt.Errorf("%w: counter id is required", repositories.ErrInvalidCounter)
	}
	if step <= 0 {
		return 0, fmt.Errorf("%w: step must be positive, got %d", repositories.ErrInvalidCounter, step)
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.Doc(id)
		if err != nil {
			return err
		}
		current := int64(0)
		doc, err := r.counters.GetTx(tx, id)
		switch {
		case err == nil:
			current = doc.Data.CurrentValue
		case isNotFound(err):
		default:
			return err
		}
		next = current + step
		return tx.Set(ref, counterDocument{CurrentValue: next, UpdatedAt: r.clock().UTC()})
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}

func isNotFound(err error) bool {
	return pfirestore.IsNotFound(err)
}
