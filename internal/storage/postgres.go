package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"blinkwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/blinkwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			age INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS blink_events (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id TEXT,
			event_ts TIMESTAMPTZ NOT NULL,
			event_epoch_ms BIGINT NOT NULL,
			duration_ms BIGINT,
			event_type TEXT NOT NULL,
			ear DOUBLE PRECISION,
			source TEXT,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blink_events_user_ts ON blink_events(user_id, event_epoch_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_blink_events_ts ON blink_events(event_epoch_ms)`,
		`CREATE TABLE IF NOT EXISTS blink_aggregates (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			day DATE NOT NULL,
			blink_count INTEGER NOT NULL,
			avg_duration_ms DOUBLE PRECISION,
			median_ear DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
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

func (s *postgresStore) CreateUser(ctx context.Context, name string, age int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO users (name, age) VALUES ($1, $2) RETURNING id`, name, age).Scan(&id)
	if err != nil {
		return 0, mapPostgresErr(err)
	}
	return id, nil
}

func (s *postgresStore) Users(ctx context.Context) ([]model.User, error) {
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

func (s *postgresStore) UpdateUser(ctx context.Context, id int64, name string, age int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = $1, age = $2 WHERE id = $3`, name, age, id)
	if err != nil {
		return 0, mapPostgresErr(err)
	}
	return res.RowsAffected()
}

func (s *postgresStore) DeleteUser(ctx context.Context, id int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return 0, mapPostgresErr(err)
	}
	return res.RowsAffected()
}

func (s *postgresStore) InsertBlinkEvent(ctx context.Context, ev model.BlinkEvent) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO blink_events (user_id, session_id, event_ts, event_epoch_ms, duration_ms, event_type, ear, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		ev.UserID,
		ev.SessionID,
		ev.Timestamp.UTC(),
		ev.EpochMs,
		nullInt64(ev.DurationMs),
		ev.EventType,
		nullFloat64(ev.EAR),
		ev.Source,
		ev.Metadata,
		nowUTC(),
	).Scan(&id)
	if err != nil {
		return 0, mapPostgresErr(err)
	}
	return id, nil
}

func (s *postgresStore) QueryBlinkEvents(ctx context.Context, f EventFilter) ([]model.BlinkEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, session_id, event_ts, event_epoch_ms, duration_ms, event_type, ear, source, metadata, created_at FROM blink_events`
	var conds []string
	var args []any
	if f.UserID != nil {
		args = append(args, *f.UserID)
		conds = append(conds, "user_id = $"+strconv.Itoa(len(args)))
	}
	if f.StartEpochMs != nil {
		args = append(args, *f.StartEpochMs)
		conds = append(conds, "event_epoch_ms >= $"+strconv.Itoa(len(args)))
	}
	if f.EndEpochMs != nil {
		args = append(args, *f.EndEpochMs)
		conds = append(conds, "event_epoch_ms <= $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, effectiveLimit(f.Limit))
	query += " ORDER BY event_epoch_ms DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BlinkEvent, 0)
	for rows.Next() {
		var ev model.BlinkEvent
		var sessionID, source, metadata sql.NullString
		var duration sql.NullInt64
		var ear sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.UserID, &sessionID, &ev.Timestamp, &ev.EpochMs, &duration, &ev.EventType, &ear, &source, &metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID.String
		ev.Source = source.String
		ev.Metadata = metadata.String
		ev.DurationMs = int64Ptr(duration)
		ev.EAR = float64Ptr(ear)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertAggregate(ctx context.Context, agg model.BlinkAggregate) error {
	if err := s.ready(); err != nil {
		return err
	}
	created := agg.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blink_aggregates (user_id, day, blink_count, avg_duration_ms, median_ear, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, day) DO UPDATE SET
			blink_count = EXCLUDED.blink_count,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			median_ear = EXCLUDED.median_ear,
			created_at = EXCLUDED.created_at`,
		agg.UserID,
		agg.Day,
		agg.BlinkCount,
		nullFloat64(agg.AvgDurationMs),
		nullFloat64(agg.MedianEAR),
		created.UTC(),
	)
	return mapPostgresErr(err)
}

func (s *postgresStore) QueryAggregates(ctx context.Context, userID int64, startDay, endDay string) ([]model.BlinkAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, day::text, blink_count, avg_duration_ms, median_ear, created_at FROM blink_aggregates WHERE user_id = $1`
	args := []any{userID}
	if startDay != "" {
		args = append(args, startDay)
		query += " AND day >= $" + strconv.Itoa(len(args))
	}
	if endDay != "" {
		args = append(args, endDay)
		query += " AND day <= $" + strconv.Itoa(len(args))
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
		if err := rows.Scan(&agg.ID, &agg.UserID, &agg.Day, &agg.BlinkCount, &avgDur, &medianEAR, &agg.CreatedAt); err != nil {
			return nil, err
		}
		agg.AvgDurationMs = float64Ptr(avgDur)
		agg.MedianEAR = float64Ptr(medianEAR)
		out = append(out, agg)
	}
	return out, rows.Err()
}

// mapPostgresErr folds integrity-constraint errors (SQLSTATE class 23) into
// ErrConstraintViolation.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}
