package stats

import (
	"sort"
	"sync"
	"time"

	"blinkwatch/internal/model"
)

// Store holds the live per-session view served by the API. One row per
// camera session, updated on every processed frame, evicting the
// longest-idle session past the limit.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]model.SessionStats
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		sessions: make(map[string]model.SessionStats),
		limit:    limit,
	}
}

// Observe records one processed frame for a session.
func (s *Store) Observe(sessionID string, userID int64, blinkCount int, ear float64, faceVisible bool) {
	if sessionID == "" {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = model.SessionStats{SessionID: sessionID, UserID: userID, StartedAt: now}
	}
	st.BlinkCount = blinkCount
	st.FaceVisible = faceVisible
	if faceVisible {
		st.LastEAR = ear
	} else {
		st.NoFaceFrames++
	}
	st.Frames++
	st.UpdatedAt = now
	s.sessions[sessionID] = st
	if len(s.sessions) > s.limit {
		s.evictOldest()
	}
}

// Finish marks a session as ended; the row stays visible until evicted.
func (s *Store) Finish(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	st.Finished = true
	st.FaceVisible = false
	st.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = st
}

func (s *Store) Get(sessionID string) (model.SessionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	return st, ok
}

// All returns a snapshot of every tracked session, most recently updated
// first.
func (s *Store) All() []model.SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SessionStats, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, st := range s.sessions {
		if oldestID == "" || st.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = st.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]model.SessionStats)
}
