package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blinkwatch/internal/aggregate"
	"blinkwatch/internal/config"
	"blinkwatch/internal/events"
	"blinkwatch/internal/model"
	"blinkwatch/internal/stats"
	"blinkwatch/internal/storage"
)

// SessionControl is the slice of the session manager the API needs.
type SessionControl interface {
	ActiveCount() int
	StopSession(sessionID string) bool
}

type Server struct {
	cfg      *config.Manager
	stats    *stats.Store
	events   *events.Store
	store    storage.Store
	agg      *aggregate.Aggregator
	sessions SessionControl
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string                 `json:"status"`
	Time       string                 `json:"time"`
	Version    string                 `json:"version"`
	ConfigPath string                 `json:"config_path"`
	Detection  config.DetectionConfig `json:"detection"`
	Ingest     ingestStatus           `json:"ingest"`
	API        apiStatus              `json:"api"`
	Storage    storageStatus          `json:"storage"`
	Sessions   sessionsStatus         `json:"sessions"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	FileTail  bool `json:"file_tail"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type sessionsStatus struct {
	Active    int `json:"active"`
	MaxActive int `json:"max_active"`
}

func Start(ctx context.Context, cfg *config.Manager, statsStore *stats.Store, eventStore *events.Store, store storage.Store, agg *aggregate.Aggregator, sessions SessionControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		stats:    statsStore,
		events:   eventStore,
		store:    store,
		agg:      agg,
		sessions: sessions,
		logger:   logger,
		version:  version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/sessions", server.handleSessions)
	mux.HandleFunc("/sessions/", server.handleSessions)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/aggregates", server.handleAggregates)
	mux.HandleFunc("/aggregates/recompute", server.handleRecompute)
	mux.HandleFunc("/users", server.handleUsers)
	mux.HandleFunc("/users/", server.handleUserByID)
	mux.HandleFunc("/config/detection", server.handleDetectionConfig)
	mux.HandleFunc("/admin/clear", server.handleClear)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Detection:  cfg.Detection,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Sessions: sessionsStatus{
			Active:    active,
			MaxActive: cfg.Sessions.MaxActive,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessions serves /sessions, /sessions/{id} and /sessions/{id}/stop.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions")
	path = strings.Trim(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		all := s.stats.All()
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": all,
			"count":    len(all),
		})
		return
	}

	if id, ok := strings.CutSuffix(path, "/stop"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.sessions == nil || !s.sessions.StopSession(id) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopping", "session_id": id})
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.stats.Get(path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents serves the persistent event table when storage is wired,
// otherwise the in-memory ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	if s.store != nil {
		filter := storage.EventFilter{Limit: limit}
		var parseErr error
		if v := q.Get("user_id"); v != "" {
			filter.UserID, parseErr = parseInt64Ptr(v, parseErr)
		}
		if v := q.Get("start_epoch_ms"); v != "" {
			filter.StartEpochMs, parseErr = parseInt64Ptr(v, parseErr)
		}
		if v := q.Get("end_epoch_ms"); v != "" {
			filter.EndEpochMs, parseErr = parseInt64Ptr(v, parseErr)
		}
		if parseErr != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list, err := s.store.QueryBlinkEvents(r.Context(), filter)
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
		return
	}

	var list []model.BlinkEvent
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.events.Since(ts)
	} else {
		list = s.events.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	list, err := s.store.QueryAggregates(r.Context(), userID, q.Get("start_day"), q.Get("end_day"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregates": list, "count": len(list)})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.agg == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		UserID int64  `json:"user_id"`
		Day    string `json:"day"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.UserID == 0 || req.Day == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	agg, err := s.agg.RecomputeDay(r.Context(), req.UserID, req.Day)
	if err != nil {
		if strings.Contains(err.Error(), "invalid day") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.Users(r.Context())
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": list, "count": len(list)})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
			Age  int    `json:"age"`
		}
		if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, err := s.store.CreateUser(r.Context(), strings.TrimSpace(req.Name), req.Age)
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, model.User{ID: id, Name: strings.TrimSpace(req.Name), Age: req.Age})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req struct {
			Name string `json:"name"`
			Age  int    `json:"age"`
		}
		if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		affected, err := s.store.UpdateUser(r.Context(), id, strings.TrimSpace(req.Name), req.Age)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if affected == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, model.User{ID: id, Name: strings.TrimSpace(req.Name), Age: req.Age})
	case http.MethodDelete:
		affected, err := s.store.DeleteUser(r.Context(), id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if affected == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleDetectionConfig reads or replaces the detector tuning. Updates take
// effect for sessions created afterwards; running sessions keep the
// parameters they started with.
func (s *Server) handleDetectionConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"detection": s.cfg.Get().Detection})
	case http.MethodPost:
		var det config.DetectionConfig
		if err := decodeBody(w, r, &det); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.cfg.Get()
		next := *current
		next.Detection = det
		if err := config.Validate(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.cfg.Update(&next); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "detection": det})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.events != nil {
			s.events.Clear()
		}
		if s.stats != nil {
			s.stats.Clear()
		}
	case "events":
		if s.events != nil {
			s.events.Clear()
		}
	case "stats", "sessions":
		if s.stats != nil {
			s.stats.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if s.logger != nil {
		s.logger.Warn("api store error", "err", err)
	}
	switch {
	case errors.Is(err, storage.ErrConstraintViolation):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "constraint violation"})
	case errors.Is(err, storage.ErrUnavailable):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func parseInt64Ptr(v string, prev error) (*int64, error) {
	if prev != nil {
		return nil, prev
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
