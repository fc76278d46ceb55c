package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc runs inside a read-write transaction. Firestore replays it on
// contention, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// txBounds caps how long order, stock and counter transactions may retry.
type txBounds struct {
	attempts int
	timeout  time.Duration
}

func newTxBounds(attempts int, timeout time.Duration) txBounds {
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return txBounds{attempts: attempts, timeout: timeout}
}

// context shortens ctx to the transaction timeout unless its deadline is sooner.
func (b txBounds) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= b.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// RunTransaction executes fn in a transaction bounded by the provider's
// attempt and timeout limits. Exhausted contention surfaces as a conflict.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	switch {
	case p == nil || p.client == nil:
		return WrapError("transaction", errors.New("firestore: provider not initialised"))
	case fn == nil:
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	ctx, cancel := p.tx.context(ctx)
	defer cancel()
	return WrapError("transaction", p.client.RunTransaction(ctx, fn, firestore.MaxAttempts(p.tx.attempts)))
}
