package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"blinkwatch/internal/config"
	"blinkwatch/internal/model"
)

var (
	// ErrUnavailable means no backing store is configured or reachable.
	// Detection never depends on persistence; callers either surface this
	// or fall back to in-memory state.
	ErrUnavailable = errors.New("storage: store unavailable")

	// ErrConstraintViolation wraps referential-integrity failures, e.g.
	// inserting an event for a user id that does not exist.
	ErrConstraintViolation = errors.New("storage: constraint violation")
)

// DefaultEventLimit truncates event queries that do not ask for a limit.
const DefaultEventLimit = 1000

// EventFilter narrows QueryBlinkEvents. All fields are optional and
// conjunctive; the epoch range is inclusive on both ends.
type EventFilter struct {
	UserID       *int64
	StartEpochMs *int64
	EndEpochMs   *int64
	Limit        int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, name string, age int) (int64, error)
	Users(ctx context.Context) ([]model.User, error)
	UpdateUser(ctx context.Context, id int64, name string, age int) (int64, error)
	// DeleteUser cascades to the user's blink_events and blink_aggregates
	// rows; the schema enforces that, not application code.
	DeleteUser(ctx context.Context, id int64) (int64, error)

	InsertBlinkEvent(ctx context.Context, ev model.BlinkEvent) (int64, error)
	// QueryBlinkEvents returns rows ordered by event_epoch_ms descending.
	QueryBlinkEvents(ctx context.Context, f EventFilter) ([]model.BlinkEvent, error)

	// UpsertAggregate is atomic per (user_id, day): a second call for the
	// same key overwrites the row in place.
	UpsertAggregate(ctx context.Context, agg model.BlinkAggregate) error
	QueryAggregates(ctx context.Context, userID int64, startDay, endDay string) ([]model.BlinkAggregate, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) ready() error {
	if b.db == nil {
		return ErrUnavailable
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	return limit
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
