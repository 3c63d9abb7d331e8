package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "worksnotify/pkg/logx"
)

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type deliveryRow struct {
	ID        int64  `db:"id"`
	RequestID string `db:"request_id"`
	Event     string `db:"event"`
	Kind      string `db:"kind"`
	Target    string `db:"target"`
	OK        bool   `db:"ok"`
	Error     string `db:"error"`
	TookMS    int64  `db:"took_ms"`
	AtMS      int64  `db:"at_ms"`
}

func openSQLite(dsn string, cfg Config, log logx.Logger) (Store, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite prefers a single writer, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	version, err := migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("storage ready", logx.String("dsn", dsn), logx.Int("schema_version", version))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	row := deliveryRow{
		RequestID: d.RequestID,
		Event:     d.Event,
		Kind:      d.Kind,
		Target:    d.Target,
		OK:        d.OK,
		Error:     d.Error,
		TookMS:    d.TookMS,
		AtMS:      d.At.UnixMilli(),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO deliveries(request_id, event, kind, target, ok, error, took_ms, at_ms)
		 VALUES(:request_id, :event, :kind, :target, :ok, :error, :took_ms, :at_ms)`, row)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, request_id, event, kind, target, ok, error, took_ms, at_ms
		 FROM deliveries ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, Delivery{
			ID:        r.ID,
			RequestID: r.RequestID,
			Event:     r.Event,
			Kind:      r.Kind,
			Target:    r.Target,
			OK:        r.OK,
			Error:     r.Error,
			TookMS:    r.TookMS,
			At:        time.UnixMilli(r.AtMS),
		})
	}
	return out, nil
}

func (s *sqliteStore) ClaimDedup(ctx context.Context, key string, now, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	// The update branch only fires for an expired claim, so zero affected
	// rows means a live claim already exists.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until WHERE dedup.until <= ?`,
		key, until.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseDedup(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, before, now time.Time) (PruneStats, error) {
	if s == nil || s.db == nil {
		return PruneStats{}, ErrDisabled
	}
	var st PruneStats
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return st, err
	}
	st.Deliveries, _ = res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until <= ?`, now.UnixMilli())
	if err != nil {
		return st, err
	}
	st.Dedup, _ = res.RowsAffected()
	return st, nil
}
