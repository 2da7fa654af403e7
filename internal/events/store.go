package events

import (
	"sync"
	"time"

	"blinkwatch/internal/model"
)

// Store is a bounded in-memory ring of recent blink events. It backs the
// API's event view when no persistent store is configured; detection never
// depends on it.
type Store struct {
	mu    sync.RWMutex
	buf   []model.BlinkEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.BlinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit most recent events, newest first.
func (s *Store) List(limit int) []model.BlinkEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.BlinkEvent, 0, limit)
	for i := len(s.buf) - 1; i >= len(s.buf)-limit; i-- {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.BlinkEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.BlinkEvent, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].Timestamp.Before(ts) {
			continue
		}
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
