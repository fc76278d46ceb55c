package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs a decoded entity with its document ID.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed access to one Firestore collection. T must be a
// struct carrying `firestore` tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed helper to a collection name.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Doc returns the reference for id.
func (c *Collection[T]) Doc(id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s: document id is required", c.op("doc"))
	}
	if c == nil || c.provider == nil || c.provider.Client() == nil {
		return nil, fmt.Errorf("%s: provider not initialised", c.op("doc"))
	}
	return c.provider.Client().Collection(c.name).Doc(id), nil
}

// Create writes value under id and fails with a conflict if it exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Set upserts value under id.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	ref, err := c.Doc(id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value, opts...); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Update applies field updates to an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	ref, err := c.Doc(id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return WrapError(c.op("update"), err)
	}
	return nil
}

// Get fetches and decodes the document.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Doc(id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.Decode(snap)
}

// GetTx fetches and decodes the document inside a transaction.
func (c *Collection[T]) GetTx(tx *firestore.Transaction, id string) (Document[T], error) {
	ref, err := c.Doc(id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.Decode(snap)
}

// Query runs a query over the collection and decodes every match.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	if c == nil || c.provider == nil || c.provider.Client() == nil {
		return nil, fmt.Errorf("%s: provider not initialised", c.op("query"))
	}
	query := c.provider.Client().Collection(c.name).Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := c.Decode(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Decode converts a snapshot into a typed document.
func (c *Collection[T]) Decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", c.op("decode"), snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data}, nil
}

func (c *Collection[T]) op(action string) string {
	name := "firestore"
	if c != nil && c.name != "" {
		name = c.name
	}
	return name + "." + action
}
