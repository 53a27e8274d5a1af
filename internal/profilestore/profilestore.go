// Package profilestore implements component C11, the Profile Store:
// named bundles of (target, dll, method, anti-detect, policy) persisted
// as a JSON array keyed by opaque ids. Field names mirror spec.md §6's
// schema (see internal/model.InjectionProfile's json tags). Uses
// encoding/json rather than a hand-rolled scanner — see DESIGN.md for
// why no third-party JSON library from the pack was adopted — per
// REDESIGN FLAGS §9's advice to use a proper JSON parser instead of the
// original's.
package profilestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/xerr"
)

// Store is process-wide: concurrent mutation is single-threaded in
// practice (all API calls are expected from the UI/CLI thread per
// spec.md §4.C11), but a mutex guards the in-memory map regardless.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles map[string]model.InjectionProfile
}

// Open loads profiles from path if it exists, or starts empty if it
// does not (a fresh install has no profile file yet).
func Open(path string) (*Store, error) {
	s := &Store{path: path, profiles: make(map[string]model.InjectionProfile)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, xerr.New(xerr.FileReadError, "profilestore.Open", err)
	}

	var list []model.InjectionProfile
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, xerr.New(xerr.InvalidFileFormat, "profilestore.Open: parse profile file", err)
	}
	for _, p := range list {
		s.profiles[p.ID] = p
	}
	return s, nil
}

// List returns every stored profile, in no particular order.
func (s *Store) List() []model.InjectionProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.InjectionProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Get returns the profile with the given opaque id.
func (s *Store) Get(id string) (model.InjectionProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Put inserts or replaces a profile and persists the store. A zero ID
// is assigned a fresh id: the profile's name (or "profile"), suffixed
// with the first free "-N" when that id is taken, which is good enough
// uniqueness for a single-writer local store.
func (s *Store) Put(p model.InjectionProfile) (model.InjectionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextID(p.Name)
	}
	s.profiles[p.ID] = p
	if err := s.saveLocked(); err != nil {
		return p, err
	}
	return p, nil
}

// Delete removes a profile by id and persists the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
	return s.saveLocked()
}

// nextID picks an id that is not already present in the table.
func (s *Store) nextID(name string) string {
	base := name
	if base == "" {
		base = "profile"
	}
	candidate := base
	for i := 1; ; i++ {
		if _, exists := s.profiles[candidate]; !exists {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func (s *Store) saveLocked() error {
	list := make([]model.InjectionProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		list = append(list, p)
	}

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return xerr.New(xerr.Unknown, "profilestore.save: marshal", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerr.New(xerr.FileAccessDenied, "profilestore.save: create profile directory", err)
		}
	}

	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return xerr.New(xerr.FileAccessDenied, "profilestore.save: write profile file", err)
	}
	return nil
}

// Export writes a single profile's schema to destPath, using the same
// JSON shape as the store file.
func (s *Store) Export(id string, destPath string) error {
	p, ok := s.Get(id)
	if !ok {
		return xerr.New(xerr.FileNotFound, "profilestore.Export: unknown profile id "+id, nil)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return xerr.New(xerr.Unknown, "profilestore.Export: marshal", err)
	}
	if err := os.WriteFile(destPath, raw, 0o644); err != nil {
		return xerr.New(xerr.FileAccessDenied, "profilestore.Export", err)
	}
	return nil
}

// Import reads a single profile from srcPath using the Export schema
// and adds it to the store, assigning a fresh id if one collides.
func (s *Store) Import(srcPath string) (model.InjectionProfile, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return model.InjectionProfile{}, xerr.New(xerr.FileReadError, "profilestore.Import", err)
	}
	var p model.InjectionProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.InjectionProfile{}, xerr.New(xerr.InvalidFileFormat, "profilestore.Import: parse profile file", err)
	}

	s.mu.Lock()
	if _, exists := s.profiles[p.ID]; p.ID == "" || exists {
		p.ID = s.nextID(p.Name)
	}
	s.profiles[p.ID] = p
	err = s.saveLocked()
	s.mu.Unlock()

	return p, err
}
