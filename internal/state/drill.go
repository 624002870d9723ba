package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/incidentd/internal/types"
)

// Drill is a named investigation that can be started on a schedule, via
// webhook, or from the CLI.
type Drill struct {
	Name      string `json:"name"`
	Scenario  string `json:"scenario"`
	AlertText string `json:"alert_text"`
	Schedule  string `json:"schedule,omitempty"`
	Enabled   bool   `json:"enabled"`
}

func (d *Drill) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: drill name is required", types.ErrMalformed)
	}
	if strings.ContainsAny(d.Name, "/ ") {
		return fmt.Errorf("%w: drill name %q must not contain spaces or slashes", types.ErrMalformed, d.Name)
	}
	if strings.TrimSpace(d.Scenario) == "" || strings.TrimSpace(d.AlertText) == "" {
		return fmt.Errorf("%w: drill %s needs a scenario and alert text", types.ErrMalformed, d.Name)
	}
	return nil
}

// DrillStore is a JSON-file-backed store for drills.
type DrillStore struct {
	path string
	mu   sync.RWMutex
}

// NewDrillStore creates a new file-backed DrillStore at the given file path.
func NewDrillStore(path string) *DrillStore {
	return &DrillStore{path: path}
}

// Path returns the file path used by this store.
func (s *DrillStore) Path() string {
	return s.path
}

// List returns all drills. Returns an empty slice if the file doesn't exist.
func (s *DrillStore) List() ([]*Drill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drills, err := s.load()
	if err != nil {
		return nil, err
	}
	if drills == nil {
		return []*Drill{}, nil
	}
	return drills, nil
}

// Get finds a drill by name.
func (s *DrillStore) Get(name string) (*Drill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drills, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, d := range drills {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("drill %s: %w", name, types.ErrNotFound)
}

// Add appends a drill. Names are unique.
func (s *DrillStore) Add(drill *Drill) error {
	if err := drill.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drills, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range drills {
		if existing.Name == drill.Name {
			return fmt.Errorf("drill %s already exists: %w", drill.Name, types.ErrConflict)
		}
	}
	drills = append(drills, drill)
	return s.save(drills)
}

// Remove deletes a drill by name.
func (s *DrillStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drills, err := s.load()
	if err != nil {
		return err
	}
	for i, d := range drills {
		if d.Name == name {
			drills = append(drills[:i], drills[i+1:]...)
			return s.save(drills)
		}
	}
	return fmt.Errorf("drill %s: %w", name, types.ErrNotFound)
}

// SetEnabled toggles the enabled flag for a drill.
func (s *DrillStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drills, err := s.load()
	if err != nil {
		return err
	}
	for _, d := range drills {
		if d.Name == name {
			d.Enabled = enabled
			return s.save(drills)
		}
	}
	return fmt.Errorf("drill %s: %w", name, types.ErrNotFound)
}

func (s *DrillStore) load() ([]*Drill, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drills file: %w", err)
	}

	var drills []*Drill
	if err := json.Unmarshal(data, &drills); err != nil {
		return nil, fmt.Errorf("unmarshal drills: %w", err)
	}
	return drills, nil
}

func (s *DrillStore) save(drills []*Drill) error {
	data, err := json.MarshalIndent(drills, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal drills: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create drills dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp drills file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp drills file: %w", err)
	}
	return nil
}
