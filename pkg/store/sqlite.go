package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/pkg/contracts"
)

// NewSQLite opens a SQLite-backed store at path (":memory:" for tests)
// and runs migrations. SQLite serializes writers, which is sufficient
// for the single-node deployment it is intended for.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", contracts.ErrStorage, err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	s := &SQL{db: db, d: dialectSQLite}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
