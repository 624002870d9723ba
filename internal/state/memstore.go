package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/incidentd/internal/types"
)

type docKey struct {
	partition string
	id        string
}

// MemStore is an in-memory DocumentStore.
type MemStore struct {
	mu   sync.RWMutex
	docs map[docKey]*types.Document
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[docKey]*types.Document)}
}

func (s *MemStore) Upsert(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" || doc.Partition == "" {
		return fmt.Errorf("%w: document id and partition are required", types.ErrMalformed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey{doc.Partition, doc.ID}] = cloneDoc(doc)
	return nil
}

func (s *MemStore) Get(ctx context.Context, id, partition string) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey{partition, id}]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

func (s *MemStore) Query(ctx context.Context, partition string, filter types.Filter) ([]*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Document
	for k, doc := range s.docs {
		if partition != "" && k.partition != partition {
			continue
		}
		if filter.Kind != "" && doc.Kind != filter.Kind {
			continue
		}
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, id, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docKey{partition, id})
	return nil
}

// Len returns the number of stored documents.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func cloneDoc(doc *types.Document) *types.Document {
	out := *doc
	out.Body = append([]byte(nil), doc.Body...)
	return &out
}
