package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/incidentd/internal/types"
)

// FileStore is a JSON-file-backed DocumentStore. Each document lives at
// docs/<partition>/<id>.json under the root directory.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates a new file-backed FileStore rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) docsDir() string {
	return filepath.Join(s.root, "docs")
}

func (s *FileStore) partitionDir(partition string) string {
	return filepath.Join(s.docsDir(), url.PathEscape(partition))
}

func (s *FileStore) docPath(id, partition string) string {
	return filepath.Join(s.partitionDir(partition), url.PathEscape(id)+".json")
}

func (s *FileStore) Upsert(_ context.Context, doc *types.Document) error {
	if doc.ID == "" || doc.Partition == "" {
		return fmt.Errorf("%w: document id and partition are required", types.ErrMalformed)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.partitionDir(doc.Partition), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	path := s.docPath(doc.ID, doc.Partition)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp document: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id, partition string) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.docPath(id, partition))
}

func (s *FileStore) read(path string) (*types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s: %w", filepath.Base(path), types.ErrNotFound)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal document %s: %v", types.ErrMalformed, filepath.Base(path), err)
	}
	return &doc, nil
}

func (s *FileStore) Query(_ context.Context, partition string, filter types.Filter) ([]*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dirs []string
	if partition != "" {
		dirs = []string{s.partitionDir(partition)}
	} else {
		entries, err := os.ReadDir(s.docsDir())
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read docs dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(s.docsDir(), e.Name()))
			}
		}
	}

	var out []*types.Document
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read partition dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			doc, err := s.read(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			if filter.Kind != "" && doc.Kind != filter.Kind {
				continue
			}
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.docPath(id, partition)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document: %w", err)
	}
	// Drop the partition directory once it is empty.
	dir := s.partitionDir(partition)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
	return nil
}
