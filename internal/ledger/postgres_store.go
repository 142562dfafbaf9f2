package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore records entries into the cache_calls table so several
// machines sharing a mirror also share one history.
type PostgresStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger database is not configured")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS cache_calls (
  id BIGSERIAL PRIMARY KEY,
  run_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  version INTEGER NOT NULL,
  identity TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  args JSONB,
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  duration_ns BIGINT NOT NULL DEFAULT 0,
  at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_cache_calls_stage ON cache_calls (stage);
CREATE INDEX IF NOT EXISTS idx_cache_calls_identity ON cache_calls (identity);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var args any
	if len(e.Args) > 0 {
		args = string(e.Args)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cache_calls (run_id, stage, version, identity, fingerprint, args, status, error, duration_ns, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.RunID, e.Stage, e.Version, e.Identity, e.Fingerprint, args, string(e.Status), e.Error, int64(e.Duration), e.At)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, stage string) ([]Entry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	stage = strings.TrimSpace(stage)
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, stage, version, identity, fingerprint, COALESCE(args::text, ''), status, error, duration_ns, at
FROM cache_calls
WHERE $1 = '' OR stage = $1
ORDER BY at, id`, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			args   string
			status string
			dur    int64
		)
		if err := rows.Scan(&e.RunID, &e.Stage, &e.Version, &e.Identity, &e.Fingerprint, &args, &status, &e.Error, &dur, &e.At); err != nil {
			return nil, err
		}
		if args != "" {
			e.Args = []byte(args)
		}
		e.Status = Status(status)
		e.Duration = time.Duration(dur)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
