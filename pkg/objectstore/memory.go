package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and bucket-less development
// runs. Pointers are only resolvable within the owning process.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Fetch returns a copy of the stored object.
func (s *Memory) Fetch(_ context.Context, pointer string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[pointer]
	if !ok {
		return nil, fmt.Errorf("objectstore: object %q not found", pointer)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put stores a copy of data under a fresh pointer.
func (s *Memory) Put(_ context.Context, data []byte, _ string) (string, error) {
	pointer := fmt.Sprintf("memory/%s.pdf", uuid.NewString())
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.objects[pointer] = stored
	s.mu.Unlock()
	return pointer, nil
}

// Sign returns a pseudo-URL; there is nothing to authorize in-process.
func (s *Memory) Sign(_ context.Context, pointer string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[pointer]; !ok {
		return "", fmt.Errorf("objectstore: object %q not found", pointer)
	}
	return "memory://" + pointer, nil
}
