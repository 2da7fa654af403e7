package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blinkwatch/internal/aggregate"
	"blinkwatch/internal/config"
	"blinkwatch/internal/events"
	"blinkwatch/internal/model"
	"blinkwatch/internal/stats"
	"blinkwatch/internal/storage"
)

type fakeStore struct {
	storage.Store
	users      map[int64]model.User
	nextID     int64
	events     []model.BlinkEvent
	lastFilter storage.EventFilter
	aggregates []model.BlinkAggregate
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int64]model.User{}, nextID: 1}
}

func (f *fakeStore) CreateUser(_ context.Context, name string, age int) (int64, error) {
	id := f.nextID
	f.nextID++
	f.users[id] = model.User{ID: id, Name: name, Age: age}
	return id, nil
}

func (f *fakeStore) Users(_ context.Context) ([]model.User, error) {
	out := make([]model.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id int64, name string, age int) (int64, error) {
	if _, ok := f.users[id]; !ok {
		return 0, nil
	}
	f.users[id] = model.User{ID: id, Name: name, Age: age}
	return 1, nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id int64) (int64, error) {
	if _, ok := f.users[id]; !ok {
		return 0, nil
	}
	delete(f.users, id)
	return 1, nil
}

func (f *fakeStore) QueryBlinkEvents(_ context.Context, filter storage.EventFilter) ([]model.BlinkEvent, error) {
	f.lastFilter = filter
	return f.events, nil
}

func (f *fakeStore) UpsertAggregate(_ context.Context, agg model.BlinkAggregate) error {
	f.aggregates = append(f.aggregates, agg)
	return nil
}

func (f *fakeStore) QueryAggregates(_ context.Context, userID int64, _, _ string) ([]model.BlinkAggregate, error) {
	out := make([]model.BlinkAggregate, 0)
	for _, a := range f.aggregates {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeSessions struct {
	active  int
	stopped []string
}

func (f *fakeSessions) ActiveCount() int { return f.active }
func (f *fakeSessions) StopSession(id string) bool {
	if id == "missing" {
		return false
	}
	f.stopped = append(f.stopped, id)
	return true
}

func newTestServer(store storage.Store) (*Server, *config.Manager) {
	cfg := config.NewStaticManager(config.DefaultConfig())
	s := &Server{
		cfg:      cfg,
		stats:    stats.NewStore(10),
		events:   events.NewStore(10),
		store:    store,
		sessions: &fakeSessions{active: 2},
		version:  "test",
	}
	if store != nil {
		s.agg = aggregate.New(store, nil)
	}
	return s, cfg
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestStatusReportsConfig(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := doJSON(t, s.handleStatus, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"ear_threshold":0.21`, `"consec_frames":2`, `"camera_index":0`, `"active":2`} {
		if !strings.Contains(body, want) {
			t.Fatalf("status body missing %s: %s", want, body)
		}
	}
}

func TestEventsRingFallback(t *testing.T) {
	s, _ := newTestServer(nil)
	s.events.Add(model.BlinkEvent{UserID: 1, EpochMs: 100, EventType: model.EventTypeBlink, Timestamp: time.Now().UTC()})
	s.events.Add(model.BlinkEvent{UserID: 1, EpochMs: 200, EventType: model.EventTypeBlink, Timestamp: time.Now().UTC()})
	rec := doJSON(t, s.handleEvents, http.MethodGet, "/events?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("limit not honored: %s", rec.Body.String())
	}
}

func TestEventsStoreQueryPassesFilter(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestServer(store)
	rec := doJSON(t, s.handleEvents, http.MethodGet, "/events?user_id=7&start_epoch_ms=100&end_epoch_ms=200&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	f := store.lastFilter
	if f.UserID == nil || *f.UserID != 7 || f.StartEpochMs == nil || *f.StartEpochMs != 100 ||
		f.EndEpochMs == nil || *f.EndEpochMs != 200 || f.Limit != 5 {
		t.Fatalf("filter: %+v", f)
	}
}

func TestEventsStoreQueryBadParams(t *testing.T) {
	s, _ := newTestServer(newFakeStore())
	rec := doJSON(t, s.handleEvents, http.MethodGet, "/events?user_id=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code: %d", rec.Code)
	}
}

func TestUsersLifecycleHandlers(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestServer(store)

	rec := doJSON(t, s.handleUsers, http.MethodPost, "/users", `{"name":"Ada","age":36}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s.handleUsers, http.MethodPost, "/users", `{"name":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank name accepted: %d", rec.Code)
	}
	rec = doJSON(t, s.handleUserByID, http.MethodPut, "/users/1", `{"name":"Ada L","age":37}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d", rec.Code)
	}
	rec = doJSON(t, s.handleUserByID, http.MethodPut, "/users/99", `{"name":"Nobody","age":1}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update missing user: %d", rec.Code)
	}
	rec = doJSON(t, s.handleUserByID, http.MethodDelete, "/users/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = doJSON(t, s.handleUserByID, http.MethodDelete, "/users/1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing user: %d", rec.Code)
	}
}

func TestRecomputeValidatesRequest(t *testing.T) {
	s, _ := newTestServer(newFakeStore())
	rec := doJSON(t, s.handleRecompute, http.MethodPost, "/aggregates/recompute", `{"user_id":7,"day":"not-a-day"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day: %d", rec.Code)
	}
	rec = doJSON(t, s.handleRecompute, http.MethodPost, "/aggregates/recompute", `{"day":"2026-09-01"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user: %d", rec.Code)
	}
	rec = doJSON(t, s.handleRecompute, http.MethodPost, "/aggregates/recompute", `{"user_id":7,"day":"2026-09-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("recompute: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAggregatesRequireUser(t *testing.T) {
	s, _ := newTestServer(newFakeStore())
	rec := doJSON(t, s.handleAggregates, http.MethodGet, "/aggregates", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: %d", rec.Code)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	s, _ := newTestServer(nil)
	s.stats.Observe("cam0", 7, 3, 0.3, true)

	rec := doJSON(t, s.handleSessions, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s.handleSessions, http.MethodGet, "/sessions/cam0", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"blink_count":3`) {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s.handleSessions, http.MethodGet, "/sessions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session: %d", rec.Code)
	}
	rec = doJSON(t, s.handleSessions, http.MethodPost, "/sessions/cam0/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	rec = doJSON(t, s.handleSessions, http.MethodPost, "/sessions/missing/stop", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stop missing: %d", rec.Code)
	}
}

func TestDetectionConfigUpdate(t *testing.T) {
	s, cfg := newTestServer(nil)

	rec := doJSON(t, s.handleDetectionConfig, http.MethodPost, "/config/detection",
		`{"ear_threshold":-1,"consec_frames":2}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid threshold accepted: %d", rec.Code)
	}
	rec = doJSON(t, s.handleDetectionConfig, http.MethodPost, "/config/detection",
		`{"ear_threshold":0.25,"consec_frames":3,"camera_index":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	det := cfg.Get().Detection
	if det.EARThreshold != 0.25 || det.ConsecFrames != 3 || det.CameraIndex != 1 {
		t.Fatalf("config not updated: %+v", det)
	}
}

func TestAdminClear(t *testing.T) {
	s, _ := newTestServer(nil)
	s.events.Add(model.BlinkEvent{UserID: 1})
	s.stats.Observe("cam0", 1, 1, 0.3, true)

	rec := doJSON(t, s.handleClear, http.MethodPost, "/admin/clear", `{"target":"events"}`)
	if rec.Code != http.StatusOK || s.events.Len() != 0 {
		t.Fatalf("events clear: %d len=%d", rec.Code, s.events.Len())
	}
	if _, ok := s.stats.Get("cam0"); !ok {
		t.Fatalf("stats cleared unexpectedly")
	}
	rec = doJSON(t, s.handleClear, http.MethodPost, "/admin/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("default clear: %d", rec.Code)
	}
	if _, ok := s.stats.Get("cam0"); ok {
		t.Fatalf("stats not cleared")
	}
	rec = doJSON(t, s.handleClear, http.MethodPost, "/admin/clear", `{"target":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus target: %d", rec.Code)
	}
}
