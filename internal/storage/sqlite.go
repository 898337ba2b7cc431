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

	_ "modernc.org/sqlite"

	logx "wabridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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

	st := &sqliteStore{db: db, log: log}

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

func (s *sqliteStore) GetCounters(ctx context.Context, keys []string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	out := make(map[string]int64, len(keys))
	now := time.Now().UnixMilli()
	for _, k := range keys {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT count FROM rate_counters WHERE key = ? AND expires_at > ?`, k, now).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			out[k] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func (s *sqliteStore) IncrCounters(ctx context.Context, incrs []CounterIncr) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, in := range incrs {
		if in.Key == "" || in.N <= 0 {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rate_counters(key, count, expires_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET count = count + excluded.count`,
			in.Key, in.N, in.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutIdempotency(ctx context.Context, key string, rec IdempotencyRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency(key, message_ids, group_jid, created_at, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   message_ids=excluded.message_ids, group_jid=excluded.group_jid, expires_at=excluded.expires_at`,
		key, strings.Join(rec.MessageIDs, ","), rec.GroupJID,
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return IdempotencyRecord{}, false, ErrDisabled
	}
	if key == "" {
		return IdempotencyRecord{}, false, nil
	}
	var (
		ids       string
		groupJID  string
		createdMS int64
		expiresMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT message_ids, group_jid, created_at, expires_at FROM idempotency WHERE key = ?`, key).
		Scan(&ids, &groupJID, &createdMS, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	rec := IdempotencyRecord{
		GroupJID:  groupJID,
		CreatedAt: time.UnixMilli(createdMS),
		ExpiresAt: time.UnixMilli(expiresMS),
	}
	if ids != "" {
		rec.MessageIDs = strings.Split(ids, ",")
	}
	// Lazy expiry: a stale row reads as a miss; Prune removes it later.
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *sqliteStore) AppendPublication(ctx context.Context, p Publication) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publications(at, channel, status, external_id, attempts, correlation_id, err)
		 VALUES(?,?,?,?,?,?,?)`,
		p.At.UTC().Format(time.RFC3339Nano), p.Channel, p.Status,
		nullStr(p.ExternalID), p.Attempts, nullStr(p.CorrelationID), nullStr(p.Error),
	)
	return err
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time, retention time.Duration) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ms := now.UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at < ?`, ms); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at < ?`, ms); err != nil {
		return err
	}
	if retention > 0 {
		cutoff := now.Add(-retention).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM publications WHERE at < ?`, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
