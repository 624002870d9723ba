package types

import (
	"context"
	"time"
)

// Document is the unit of storage in a DocumentStore. Documents are
// addressed by (ID, Partition).
type Document struct {
	ID        string    `json:"id"`
	Partition string    `json:"partition"`
	Kind      string    `json:"kind"`
	Body      []byte    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Kind string
}

// DocumentStore is a partitioned document database with a per-document size
// ceiling. Get returns ErrNotFound for a missing document; Delete of a
// missing document succeeds. Query with an empty partition spans all
// partitions.
type DocumentStore interface {
	Upsert(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id, partition string) (*Document, error)
	Query(ctx context.Context, partition string, filter Filter) ([]*Document, error)
	Delete(ctx context.Context, id, partition string) error
}
