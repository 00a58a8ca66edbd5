// Package blob lists and deletes attachment objects kept outside the
// document store.
package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type Store interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, ref string) error
}

// DeletePrefix removes every blob under prefix and returns how many were
// deleted. It keeps going past individual failures and returns the first.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	refs, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var (
		deleted  int
		firstErr error
	)
	for _, ref := range refs {
		if err := s.Delete(ctx, ref); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}

type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ref string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = data
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []string
	for ref := range m.blobs {
		if strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}
