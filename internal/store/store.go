package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/j6k4m8/jque/internal/models"
)

// ErrNotFound is returned when a named collection does not exist.
var ErrNotFound = errors.New("collection not found")

// Store holds named collections in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// New returns an empty Store.
func New() *Store {
	return &Store{collections: make(map[string]*Collection)}
}

// Get returns the named collection, or ErrNotFound.
func (s *Store) Get(name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// GetOrCreate returns the named collection, creating it when absent.
func (s *Store) GetOrCreate(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = newCollection(name)
		s.collections[name] = c
	}
	return c
}

// Delete removes the named collection. Returns ErrNotFound when absent.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.collections, name)
	return nil
}

// List returns collection summaries sorted by name.
func (s *Store) List() []models.CollectionInfo {
	s.mu.RLock()
	infos := make([]models.CollectionInfo, 0, len(s.collections))
	for _, c := range s.collections {
		infos = append(infos, c.Info())
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DecodeDocuments parses document payloads. Accepts either a JSON array of
// objects or a single object, which decodes as a one-element slice.
func DecodeDocuments(data []byte) ([]models.Document, error) {
	var docs []models.Document
	if err := json.Unmarshal(data, &docs); err == nil {
		return docs, nil
	}
	var single models.Document
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	return []models.Document{single}, nil
}

// LoadFile reads a JSON file from disk and replaces the named collection's
// contents with it. Used for seed datasets at startup.
func (s *Store) LoadFile(name, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", name, err)
	}
	docs, err := DecodeDocuments(data)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", name, err)
	}
	s.GetOrCreate(name).Replace(docs)
	return len(docs), nil
}
