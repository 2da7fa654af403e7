package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"blinkwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:blinkwatch.db?_pragma=busy_timeout(5000)"
	}
	dsn = ensureForeignKeys(dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers anyway; a single pooled connection
	// keeps the per-connection pragmas consistent.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

// ensureForeignKeys appends the foreign_keys pragma so ON DELETE CASCADE is
// enforced; sqlite ships with it off.
func ensureForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			age INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS blink_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id TEXT,
			event_ts TEXT NOT NULL,
			event_epoch_ms INTEGER NOT NULL,
			duration_ms INTEGER,
			event_type TEXT NOT NULL,
			ear REAL,
			source TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blink_events_user_ts ON blink_events(user_id, event_epoch_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_blink_events_ts ON blink_events(event_epoch_ms)`,
		`CREATE TABLE IF NOT EXISTS blink_aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			day TEXT NOT NULL,
			blink_count INTEGER NOT NULL,
			avg_duration_ms REAL,
			median_ear REAL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blink_aggregates_user_day ON blink_aggregates(user_id, day)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, name string, age int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (name, age) VALUES (?, ?)`, name, age)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) Users(ctx context.Context) ([]model.User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, age FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.User, 0)
	for rows.Next() {
		var u model.User
		var age sql.NullInt64
		if err := rows.Scan(&u.ID, &u.Name, &age); err != nil {
			return nil, err
		}
		u.Age = int(age.Int64)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateUser(ctx context.Context, id int64, name string, age int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = ?, age = ? WHERE id = ?`, name, age, id)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) InsertBlinkEvent(ctx context.Context, ev model.BlinkEvent) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blink_events (user_id, session_id, event_ts, event_epoch_ms, duration_ms, event_type, ear, source, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID,
		ev.SessionID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.EpochMs,
		nullInt64(ev.DurationMs),
		ev.EventType,
		nullFloat64(ev.EAR),
		ev.Source,
		ev.Metadata,
		nowUTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) QueryBlinkEvents(ctx context.Context, f EventFilter) ([]model.BlinkEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, session_id, event_ts, event_epoch_ms, duration_ms, event_type, ear, source, metadata, created_at FROM blink_events`
	var conds []string
	var args []any
	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.StartEpochMs != nil {
		conds = append(conds, "event_epoch_ms >= ?")
		args = append(args, *f.StartEpochMs)
	}
	if f.EndEpochMs != nil {
		conds = append(conds, "event_epoch_ms <= ?")
		args = append(args, *f.EndEpochMs)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_epoch_ms DESC LIMIT ?"
	args = append(args, effectiveLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BlinkEvent, 0)
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSQLiteEvent(rows *sql.Rows) (model.BlinkEvent, error) {
	var ev model.BlinkEvent
	var sessionID, source, metadata sql.NullString
	var eventTS, createdAt string
	var duration sql.NullInt64
	var ear sql.NullFloat64
	if err := rows.Scan(&ev.ID, &ev.UserID, &sessionID, &eventTS, &ev.EpochMs, &duration, &ev.EventType, &ear, &source, &metadata, &createdAt); err != nil {
		return model.BlinkEvent{}, err
	}
	ev.SessionID = sessionID.String
	ev.Source = source.String
	ev.Metadata = metadata.String
	ev.DurationMs = int64Ptr(duration)
	ev.EAR = float64Ptr(ear)
	var err error
	if ev.Timestamp, err = parseStoredTime(eventTS); err != nil {
		return model.BlinkEvent{}, fmt.Errorf("event_ts: %w", err)
	}
	if ev.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return model.BlinkEvent{}, fmt.Errorf("created_at: %w", err)
	}
	return ev, nil
}

func parseStoredTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (s *sqliteStore) UpsertAggregate(ctx context.Context, agg model.BlinkAggregate) error {
	if err := s.ready(); err != nil {
		return err
	}
	created := agg.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blink_aggregates (user_id, day, blink_count, avg_duration_ms, median_ear, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			blink_count = excluded.blink_count,
			avg_duration_ms = excluded.avg_duration_ms,
			median_ear = excluded.median_ear,
			created_at = excluded.created_at`,
		agg.UserID,
		agg.Day,
		agg.BlinkCount,
		nullFloat64(agg.AvgDurationMs),
		nullFloat64(agg.MedianEAR),
		created.UTC().Format(time.RFC3339Nano),
	)
	return mapSQLiteErr(err)
}

func (s *sqliteStore) QueryAggregates(ctx context.Context, userID int64, startDay, endDay string) ([]model.BlinkAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, day, blink_count, avg_duration_ms, median_ear, created_at FROM blink_aggregates WHERE user_id = ?`
	args := []any{userID}
	if startDay != "" {
		query += " AND day >= ?"
		args = append(args, startDay)
	}
	if endDay != "" {
		query += " AND day <= ?"
		args = append(args, endDay)
	}
	query += " ORDER BY day DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BlinkAggregate, 0)
	for rows.Next() {
		var agg model.BlinkAggregate
		var avgDur, medianEAR sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&agg.ID, &agg.UserID, &agg.Day, &agg.BlinkCount, &avgDur, &medianEAR, &createdAt); err != nil {
			return nil, err
		}
		agg.AvgDurationMs = float64Ptr(avgDur)
		agg.MedianEAR = float64Ptr(medianEAR)
		if agg.CreatedAt, err = parseStoredTime(createdAt); err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// mapSQLiteErr folds sqlite constraint errors (result code class 19) into
// ErrConstraintViolation.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == 19 {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}
