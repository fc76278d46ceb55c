package idempotency

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

type keyDocument struct {
	Fingerprint    string              `firestore:"fingerprint"`
	Done           bool                `firestore:"done"`
	ResponseStatus int                 `firestore:"responseStatus"`
	ResponseHeader map[string][]string `firestore:"responseHeader"`
	ResponseBody   []byte              `firestore:"responseBody"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

// FirestoreStore persists keys in Firestore. Expired documents are removed by a
// TTL policy on expiresAt and are treated as absent until then.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[keyDocument]
}

// NewFirestoreStore binds the store to the idempotencyKeys collection.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewCollection[keyDocument](provider, defaultCollection),
	}
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)
	ref, err := s.keys.Doc(id)
	if err != nil {
		return Claim{}, err
	}

	var claim Claim
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.keys.GetTx(tx, id)
		fresh := pfirestore.IsNotFound(err)
		if err != nil && !fresh {
			return err
		}
		if !fresh && !now.Before(doc.Data.ExpiresAt) {
			fresh = true
		}
		if fresh {
			claim = Claim{State: ClaimAcquired}
			return tx.Set(ref, keyDocument{
				Fingerprint: fingerprint,
				CreatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			})
		}
		if doc.Data.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		if !doc.Data.Done {
			claim = Claim{State: ClaimInFlight}
			return nil
		}
		claim = Claim{State: ClaimReplay, Response: Response{
			Status: doc.Data.ResponseStatus,
			Header: doc.Data.ResponseHeader,
			Body:   doc.Data.ResponseBody,
		}}
		return nil
	})
	if err != nil {
		return Claim{}, err
	}
	return claim, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	err := s.keys.Update(ctx, documentID(key), []firestore.Update{
		{Path: "done", Value: true},
		{Path: "responseStatus", Value: resp.Status},
		{Path: "responseHeader", Value: map[string][]string(replayableHeaders(resp.Header))},
		{Path: "responseBody", Value: resp.Body},
		{Path: "expiresAt", Value: now.Add(ttl)},
	})
	if err != nil {
		return fmt.Errorf("idempotency: store response: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Forget(ctx context.Context, key string) error {
	ref, err := s.keys.Doc(documentID(key))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !pfirestore.IsNotFound(err) {
		return pfirestore.WrapError("idempotency.forget", err)
	}
	return nil
}
