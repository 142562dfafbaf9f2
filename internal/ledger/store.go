package ledger

import (
	"strings"

	"github.com/apex/log"
)

// Open returns a Postgres-backed recorder when dsn is set and falls back to the
// JSONL file at path otherwise, or when the database is unreachable.
func Open(path, dsn string) (Recorder, error) {
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		s, err := NewPostgresStore(dsn)
		if err == nil {
			return s, nil
		}
		log.WithError(err).Warn("ledger database unavailable, falling back to file ledger")
	}
	return NewFileStore(path)
}
