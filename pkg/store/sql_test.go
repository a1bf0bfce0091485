package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
)

func TestRebindPostgres(t *testing.T) {
	s := &SQL{d: dialectPostgres}
	assert.Equal(t, `SELECT doc FROM envelopes WHERE id = $1 AND version = $2`,
		s.rebind(`SELECT doc FROM envelopes WHERE id = ? AND version = ?`))

	lite := &SQL{d: dialectSQLite}
	assert.Equal(t, `SELECT doc FROM envelopes WHERE id = ?`,
		lite.rebind(`SELECT doc FROM envelopes WHERE id = ?`))
}

func TestEnvelopeUpdateStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresFromDB(db)
	env := &contracts.Envelope{
		ID:        "env_1",
		Version:   3,
		Status:    contracts.StatusQueued,
		UpdatedAt: time.Now().UTC(),
	}

	// Zero rows affected, then the existence probe finds the row:
	// the update must surface a stale-version conflict.
	mock.ExpectExec(`UPDATE envelopes SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT doc FROM envelopes WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(`{"id":"env_1","version":4}`))

	err = s.Update(context.Background(), env, 2)
	assert.ErrorIs(t, err, contracts.ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnvelopeUpdateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresFromDB(db)
	env := &contracts.Envelope{ID: "missing", Version: 1, UpdatedAt: time.Now().UTC()}

	mock.ExpectExec(`UPDATE envelopes SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT doc FROM envelopes WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	err = s.Update(context.Background(), env, 0)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendCASStaleHead(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresFromDB(db)
	entry := &contracts.AuditEntry{
		ID:                "a2",
		EntryHash:         "sha256:bb",
		PreviousEntryHash: "sha256:stale",
		Timestamp:         time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT entry_hash FROM audit_entries ORDER BY position DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("sha256:aa"))
	mock.ExpectRollback()

	err = s.AppendCAS(context.Background(), entry, "sha256:stale")
	assert.ErrorIs(t, err, contracts.ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A racing appender can pass the head re-read yet still lose on the
// previous_entry_hash UNIQUE constraint; that loss must surface as the
// retryable stale-version error, not a storage failure.
func TestAppendCASUniqueViolationIsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresFromDB(db)
	entry := &contracts.AuditEntry{
		ID:                "a3",
		EntryHash:         "sha256:cc",
		PreviousEntryHash: "sha256:aa",
		Timestamp:         time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT entry_hash FROM audit_entries ORDER BY position DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("sha256:aa"))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "audit_entries_previous_entry_hash_key"})
	mock.ExpectRollback()

	err = s.AppendCAS(context.Background(), entry, "sha256:aa")
	assert.ErrorIs(t, err, contracts.ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"postgres unique", &pq.Error{Code: "23505"}, true},
		{"postgres other", &pq.Error{Code: "40001"}, false},
		{"sqlite unique", errors.New("constraint failed: UNIQUE constraint failed: audit_entries.previous_entry_hash (2067)"), true},
		{"unrelated", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}
