package sessions

import (
	"context"
	"log/slog"
	"sync"

	"blinkwatch/internal/config"
	"blinkwatch/internal/detector"
	"blinkwatch/internal/driver"
	"blinkwatch/internal/events"
	"blinkwatch/internal/model"
	"blinkwatch/internal/stats"
	"blinkwatch/internal/storage"
)

// BlinkPublisher forwards detected blinks to an external sink. Calls must
// not block the frame loop.
type BlinkPublisher interface {
	PublishBlink(ctx context.Context, ev model.BlinkEvent)
}

// CountUpdate is the fire-and-forget count-changed message crossing the
// worker/consumer boundary.
type CountUpdate struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	Count     int    `json:"count"`
}

// Manager owns the per-session frame loops: exactly one driver, one
// detector and one frame source per session id, created on first sample
// and torn down on end-of-session or shutdown.
type Manager struct {
	cfg       *config.Manager
	logger    *slog.Logger
	store     storage.Store
	events    *events.Store
	stats     *stats.Store
	publisher BlinkPublisher

	mu      sync.Mutex
	active  map[string]*session
	wg      sync.WaitGroup
	updates chan CountUpdate
}

type session struct {
	src *driver.ChannelSource
}

func NewManager(cfg *config.Manager, logger *slog.Logger, store storage.Store, eventStore *events.Store, statsStore *stats.Store, publisher BlinkPublisher) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		events:    eventStore,
		stats:     statsStore,
		publisher: publisher,
		active:    make(map[string]*session),
		updates:   make(chan CountUpdate, 256),
	}
}

// Updates exposes count-changed notifications. Sends are non-blocking;
// slow consumers lose updates, never stall detection.
func (m *Manager) Updates() <-chan CountUpdate {
	return m.updates
}

// Start consumes the ingest channel until ctx is cancelled, then stops all
// sessions.
func (m *Manager) Start(ctx context.Context, in <-chan model.FrameSample) {
	go func() {
		for {
			select {
			case sample := <-in:
				m.Dispatch(ctx, sample)
			case <-ctx.Done():
				m.StopAll()
				return
			}
		}
	}()
}

// Dispatch routes one frame sample to its session's source, creating the
// session if needed.
func (m *Manager) Dispatch(ctx context.Context, sample model.FrameSample) {
	cfg := m.cfg.Get()
	if sample.SessionID == "" {
		sample.SessionID = cfg.Ingest.Parser.DefaultSessionID
	}
	if sample.UserID == 0 {
		sample.UserID = cfg.Ingest.Parser.DefaultUserID
	}
	sess := m.getOrCreate(ctx, cfg, sample.SessionID, sample.UserID)
	if sess == nil {
		return
	}
	if !sess.src.Offer(sample) && m.logger != nil {
		m.logger.Warn("session buffer full, dropping frame", "session_id", sample.SessionID)
	}
}

func (m *Manager) getOrCreate(ctx context.Context, cfg *config.Config, sessionID string, userID int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[sessionID]; ok {
		return s
	}
	if len(m.active) >= cfg.Sessions.MaxActive {
		if m.logger != nil {
			m.logger.Warn("max active sessions reached, dropping frame", "session_id", sessionID)
		}
		return nil
	}

	src := driver.NewChannelSource(cfg.Sessions.SourceBuffer)
	det := detector.New(cfg.Detection.EARThreshold, cfg.Detection.ConsecFrames)
	drv := driver.New(sessionID, userID, src, nil, det, driver.Options{
		Store:  m.store,
		Events: m.events,
		Stats:  m.stats,
		Logger: m.logger,
		Hooks: driver.Hooks{
			OnCount: func(count int) {
				select {
				case m.updates <- CountUpdate{SessionID: sessionID, UserID: userID, Count: count}:
				default:
				}
			},
			OnBlink: func(ev model.BlinkEvent) {
				if m.publisher != nil {
					m.publisher.PublishBlink(ctx, ev)
				}
			},
			OnFinished: func(summary model.SessionSummary) {
				m.remove(sessionID)
				if m.logger != nil {
					m.logger.Info("session finished",
						"session_id", summary.SessionID,
						"user_id", summary.UserID,
						"blink_count", summary.BlinkCount,
						"frames", summary.Frames,
					)
				}
			},
		},
	})
	s := &session{src: src}
	m.active[sessionID] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		drv.Run()
	}()
	if m.logger != nil {
		m.logger.Info("session started", "session_id", sessionID, "user_id", userID)
	}
	return s
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopSession requests a graceful stop of one session. Closing the source
// lets the loop drain buffered frames before it sees end-of-stream; Stop
// would discard them. Returns false for unknown ids.
func (m *Manager) StopSession(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = s.src.Close()
	return true
}

// StopAll stops every active session and waits for the loops to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.src.Close()
	}
	m.wg.Wait()
}
