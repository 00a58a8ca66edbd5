package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps the tree in process. It backs single-host deployments
// and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	leaves map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leaves: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]json.RawMessage)
	for p, v := range s.leaves {
		if inSubtree(p, path) {
			found[p] = v
		}
	}
	return expand(path, found)
}

func (s *MemoryStore) Write(ctx context.Context, path string, doc any) error {
	m, err := planWrite(path, doc)
	if err != nil {
		return err
	}
	s.apply(m)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	m, err := planUpdate(path, fields)
	if err != nil {
		return err
	}
	s.apply(m)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	m, err := planDelete(path)
	if err != nil {
		return err
	}
	s.apply(m)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) apply(m mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, root := range m.clear {
		for p := range s.leaves {
			if inSubtree(p, root) {
				delete(s.leaves, p)
			}
		}
		for _, a := range ancestors(root) {
			delete(s.leaves, a)
		}
	}
	for p, v := range m.set {
		s.leaves[p] = v
	}
}
