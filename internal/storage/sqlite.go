package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
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
	// One connection serializes every operation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: cfg.clock()}
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

func (s *sqliteStore) Add(ctx context.Context, id, originGroup string, suppressRelay bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending(id, ts, group_id, suppress) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET ts=excluded.ts, group_id=excluded.group_id, suppress=excluded.suppress`,
		id, unixSeconds(s.now()), nullStr(originGroup), boolInt(suppressRelay),
	)
	return err
}

func (s *sqliteStore) ListReady(ctx context.Context, wait time.Duration) ([]string, error) {
	cutoff := unixSeconds(s.now()) - wait.Seconds()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pending WHERE ts < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EarliestTimestamp(ctx context.Context) (time.Time, bool, error) {
	var ts sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM pending WHERE ts > 0`).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return fromUnixSeconds(ts.Float64), true, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (PendingEntry, bool, error) {
	var (
		ts       float64
		group    sql.NullString
		suppress int
	)
	err := s.db.QueryRowContext(ctx, `SELECT ts, group_id, suppress FROM pending WHERE id = ?`, id).Scan(&ts, &group, &suppress)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingEntry{}, false, nil
	}
	if err != nil {
		return PendingEntry{}, false, err
	}
	return PendingEntry{
		ID:            id,
		ArrivedAt:     fromUnixSeconds(ts),
		OriginGroup:   group.String,
		SuppressRelay: suppress != 0,
	}, true, nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) HasAny(ctx context.Context) (bool, error) {
	n, err := s.Len(ctx)
	return n > 0, err
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n)
	return n, err
}

func (s *sqliteStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := unixSeconds(s.now()) - maxAge.Seconds()
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE ts <= 0 OR ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) HasProcessed(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM archive_index WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, key string, meta ArchiveMeta) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if meta.At == 0 {
		meta.At = s.now().Unix()
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archive_index(key, meta, at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET meta=excluded.meta, at=excluded.at`,
		key, string(b), meta.At,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
