package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/contracts"
)

// NewPostgres opens a Postgres-backed store from a DATABASE_URL and runs
// migrations.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", contracts.ErrStorage, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", contracts.ErrStorage, err)
	}

	s := &SQL{db: db, d: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromDB wraps an existing *sql.DB (used by tests with
// sqlmock). Migrations are not run.
func NewPostgresFromDB(db *sql.DB) *SQL {
	return &SQL{db: db, d: dialectPostgres}
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error { return s.db.Close() }
