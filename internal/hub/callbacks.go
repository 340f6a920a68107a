package hub

import (
	"sync"

	"github.com/google/uuid"
)

// CallbackFunc receives the terminal result for a routed message.
type CallbackFunc func(result any, err error)

// callbackStore holds pending callbacks. Each resolves at most once; a
// second resolution for the same id is a no-op.
type callbackStore struct {
	mu      sync.Mutex
	pending map[string]CallbackFunc
}

func newCallbackStore() *callbackStore {
	return &callbackStore{pending: make(map[string]CallbackFunc)}
}

func (s *callbackStore) mint(cb CallbackFunc) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.pending[id] = cb
	s.mu.Unlock()
	return id
}

func (s *callbackStore) resolve(id string, result any, err error) bool {
	s.mu.Lock()
	cb, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	cb(result, err)
	return true
}

func (s *callbackStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
