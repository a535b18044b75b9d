// Package store is the VM registry: the source of truth for which VMs
// exist, who owns them and how they are configured.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"instapc-server/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	byID  map[string]model.VM
	order []string

	stateFile string
	persistMu sync.Mutex
	logger    *slog.Logger
}

type Options struct {
	// StateFile holds the registry as a JSON array of VM records. Empty
	// keeps the registry in memory only.
	StateFile string
	Logger    *slog.Logger
}

// New returns an in-memory registry.
func New() *Store {
	s, _ := NewWithOptions(Options{})
	return s
}

// NewWithOptions loads the state file if it exists. A file that cannot be
// read or parsed is an error: starting empty would overwrite it on the
// next mutation.
func NewWithOptions(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		byID:      make(map[string]model.VM),
		stateFile: opts.StateFile,
		logger:    logger,
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			return nil, fmt.Errorf("load registry %s: %w", s.stateFile, err)
		}
	}
	return s, nil
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var vms []model.VM
	if err := json.Unmarshal(data, &vms); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vm := range vms {
		if vm.ID == "" || vm.Owner == "" {
			continue
		}
		if _, dup := s.byID[vm.ID]; !dup {
			s.order = append(s.order, vm.ID)
		}
		s.byID[vm.ID] = vm
	}
	s.logger.Info("registry loaded", "path", path, "vms", len(s.byID))
	return nil
}

func (s *Store) snapshotLocked() []model.VM {
	result := make([]model.VM, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.byID[id])
	}
	return result
}

// writeSnapshot must be called with persistMu held.
func (s *Store) writeSnapshot(vms []model.VM) error {
	path := s.stateFile
	if path == "" {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(vms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// mutate applies f under the registry lock and, when it reports a change,
// writes the resulting snapshot. persistMu is held across both so writes
// land in mutation order. A failed write leaves the in-memory registry
// authoritative; the next write or Flush retries.
func (s *Store) mutate(f func() bool) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	changed := f()
	var snapshot []model.VM
	if changed && s.stateFile != "" {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if snapshot != nil {
		if err := s.writeSnapshot(snapshot); err != nil {
			s.logger.Error("registry persist failed", "path", s.stateFile, "error", err)
		}
	}
	return changed
}

// Flush writes the whole registry to the state file.
func (s *Store) Flush() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snapshot := s.snapshotLocked()
	s.mu.RUnlock()
	return s.writeSnapshot(snapshot)
}

func (s *Store) Get(id string) (model.VM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.byID[id]
	return vm, ok
}

// List returns the VMs owned by owner in creation order.
func (s *Store) List(owner string) []model.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.VM, 0)
	for _, id := range s.order {
		if vm := s.byID[id]; vm.Owner == owner {
			result = append(result, vm)
		}
	}
	return result
}

func (s *Store) All() []model.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Upsert inserts vm or replaces the record with the same ID. Ownership and
// OS of an existing record are kept.
func (s *Store) Upsert(vm model.VM) error {
	if vm.ID == "" || vm.Owner == "" {
		return fmt.Errorf("%w: id and owner are required", model.ErrValidation)
	}

	s.mutate(func() bool {
		if existing, ok := s.byID[vm.ID]; ok {
			vm.Owner = existing.Owner
			vm.OS = existing.OS
		} else {
			s.order = append(s.order, vm.ID)
		}
		s.byID[vm.ID] = vm
		return true
	})
	return nil
}

func (s *Store) Remove(id string) bool {
	return s.mutate(func() bool {
		if _, ok := s.byID[id]; !ok {
			return false
		}
		delete(s.byID, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return true
	})
}
