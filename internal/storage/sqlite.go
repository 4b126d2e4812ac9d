package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSchedule(ctx context.Context, rec ScheduleRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	var comps any
	if rec.Components != nil {
		comps = *rec.Components
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, kind, phase, interval_sec, components, time_zone, anchor, next_fire, notification, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, phase=excluded.phase, interval_sec=excluded.interval_sec,
		   components=excluded.components, time_zone=excluded.time_zone, anchor=excluded.anchor,
		   next_fire=excluded.next_fire, notification=excluded.notification, updated_at=excluded.updated_at`,
		rec.ID, rec.Kind, nullStr(rec.Phase), rec.IntervalSec, comps, nullStr(rec.TimeZone),
		rec.Anchor.Format(time.RFC3339Nano), rec.NextFire.Format(time.RFC3339Nano),
		rec.Notification, rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, phase, interval_sec, components, time_zone, anchor, next_fire, notification, updated_at
		 FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec                     ScheduleRecord
			phase, tz               sql.NullString
			comps                   sql.NullInt64
			anchor, next, updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &phase, &rec.IntervalSec, &comps, &tz, &anchor, &next, &rec.Notification, &updatedAt); err != nil {
			return nil, err
		}
		rec.Phase = phase.String
		rec.TimeZone = tz.String
		if comps.Valid {
			c := int(comps.Int64)
			rec.Components = &c
		}
		if rec.Anchor, err = time.Parse(time.RFC3339Nano, anchor); err != nil {
			return nil, fmt.Errorf("schedule %d anchor: %w", rec.ID, err)
		}
		if rec.NextFire, err = time.Parse(time.RFC3339Nano, next); err != nil {
			return nil, fmt.Errorf("schedule %d next_fire: %w", rec.ID, err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSlot(ctx context.Context, rec SlotRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots(key, server_id, notification, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   server_id=excluded.server_id, notification=excluded.notification, updated_at=excluded.updated_at`,
		rec.Key, int64(rec.ServerID), rec.Notification, rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSlot(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) ListSlots(ctx context.Context) ([]SlotRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, server_id, notification, updated_at FROM slots ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotRecord
	for rows.Next() {
		var (
			rec       SlotRecord
			serverID  int64
			updatedAt string
		)
		if err := rows.Scan(&rec.Key, &serverID, &rec.Notification, &updatedAt); err != nil {
			return nil, err
		}
		rec.ServerID = uint32(serverID)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var nid any
	if e.NotificationID != nil {
		nid = *e.NotificationID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, at_unix_ms, method, notification_id, ok, err, took_ms, peer)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.At.UnixMilli(), e.Method, nid, e.OK, nullStr(e.Error), e.TookMS, nullStr(e.Peer),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at_unix_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
