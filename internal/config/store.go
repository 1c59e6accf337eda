package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

var ErrNotTable = errors.New("config: key is not a table")

// Store is a TOML-backed key/value document that saves itself after every
// mutation. Keys are dotted paths into nested tables ("platform.type").
type Store struct {
	mu     sync.Mutex
	path   string
	data   map[string]any
	loaded bool
}

func OpenStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load (re)reads the document; a missing file is an empty document.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.data = map[string]any{}
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store load failed (%s): %w", s.path, err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store parse failed (%s): %w", s.path, err)
	}
	s.data = doc
	s.loaded = true
	return nil
}

func (s *Store) ensureLocked() error {
	if s.loaded {
		return nil
	}
	return s.loadLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("store save failed (%s): %w", s.path, err)
	}
	data, err := toml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("store encode failed (%s): %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store save failed (%s): %w", s.path, err)
	}
	return os.Rename(tmp, s.path)
}

// Get returns the value at a dotted key.
func (s *Store) Get(key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return nil, false, err
	}
	cur := any(s.data)
	for _, part := range splitKey(key) {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		if cur, ok = table[part]; !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// Set stores value at a dotted key, creating intermediate tables, and saves.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return err
	}
	parts := splitKey(key)
	if len(parts) == 0 {
		return fmt.Errorf("store set: empty key")
	}
	table := s.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part]
		if !ok {
			created := map[string]any{}
			table[part] = created
			table = created
			continue
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q in %q", ErrNotTable, part, key)
		}
		table = nested
	}
	table[parts[len(parts)-1]] = value
	return s.saveLocked()
}

// Delete removes a dotted key and saves. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return err
	}
	parts := splitKey(key)
	if len(parts) == 0 {
		return nil
	}
	table := s.data
	for _, part := range parts[:len(parts)-1] {
		nested, ok := table[part].(map[string]any)
		if !ok {
			return nil
		}
		table = nested
	}
	delete(table, parts[len(parts)-1])
	return s.saveLocked()
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]any{}
	s.loaded = true
	return s.saveLocked()
}

// Keys lists the top-level keys, sorted.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Len() (int, error) {
	keys, err := s.Keys()
	return len(keys), err
}

// Decode unmarshals the whole document into out.
func (s *Store) Decode(out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return err
	}
	data, err := toml.Marshal(s.data)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, out)
}

// Replace swaps the whole document for the encoding of v and saves.
func (s *Store) Replace(v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("store encode failed: %w", err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store encode failed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = doc
	s.loaded = true
	return s.saveLocked()
}

func splitKey(key string) []string {
	var out []string
	for _, part := range strings.Split(key, ".") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
