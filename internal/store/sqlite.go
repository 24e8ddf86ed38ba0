package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "marketbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nowMilli() int64 { return time.Now().UnixMilli() }

func expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMilli(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap(err)
	}
	return v, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiresAt(ttl),
	)
	if err != nil {
		return s.wrap(err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// The conflict branch only fires for rows that are already expired, so a
	// live key is never overwritten. Single writer connection keeps this atomic.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at
		 WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`,
		key, value, expiresAt(ttl), nowMilli(),
	)
	if err != nil {
		return false, s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap(err)
	}
	s.maybePrune()
	return n > 0, nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return s.wrap(err)
}

func (s *sqliteStore) Incr(ctx context.Context, key string) (int64, error) {
	// An expired row restarts the count at 1; a missing row starts at 1.
	// Fresh counters carry no expiry (callers arm the window via Expire).
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?1, '1', NULL)
		 ON CONFLICT(key) DO UPDATE SET
		   value = CASE
		     WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= ?2 THEN '1'
		     ELSE CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT)
		   END,
		   expires_at = CASE
		     WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= ?2 THEN NULL
		     ELSE kv.expires_at
		   END
		 RETURNING CAST(value AS INTEGER)`,
		key, nowMilli(),
	).Scan(&n)
	if err != nil {
		return 0, s.wrap(err)
	}
	return n, nil
}

func (s *sqliteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ? WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		expiresAt(ttl), key, nowMilli(),
	)
	return s.wrap(err)
}

func (s *sqliteStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var exp sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMilli(),
	).Scan(&exp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.wrap(err)
	}
	if !exp.Valid {
		return 0, true, nil
	}
	return time.Duration(exp.Int64-nowMilli()) * time.Millisecond, true, nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		escapeLike(prefix)+"%", nowMilli(),
	)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.wrap(err)
		}
		keys = append(keys, k)
	}
	return keys, s.wrap(rows.Err())
}

func (s *sqliteStore) Count(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`,
		escapeLike(prefix)+"%", nowMilli(),
	).Scan(&n)
	return n, s.wrap(err)
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMilli())
	if err != nil {
		s.log.Debug("kv prune failed", logx.Err(err))
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
