package db

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertIgnoreSQL(t *testing.T) {
	sql, err := InsertIgnoreSQL(InsertConfig{
		Table:        "observations",
		Columns:      []string{"product_id", "metric", "value"},
		ConflictKeys: []string{"product_id", "metric"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "observations" ("product_id", "metric", "value") VALUES ($1, $2, $3) ON CONFLICT ("product_id", "metric") DO NOTHING`,
		sql,
	)
}

func TestInsertIgnoreSQL_Returning(t *testing.T) {
	sql, err := InsertIgnoreSQL(InsertConfig{
		Table:        "scout.products",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
		Returning:    []string{"id"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "scout"."products" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING RETURNING "id"`,
		sql,
	)
}

func TestInsertIgnoreSQL_Errors(t *testing.T) {
	_, err := InsertIgnoreSQL(InsertConfig{Table: "t", ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = InsertIgnoreSQL(InsertConfig{Table: "t", Columns: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")

	assert.Panics(t, func() { MustInsertIgnoreSQL(InsertConfig{Table: "t"}) })
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"scout.alert_records", `"scout"."alert_records"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestPgCode(t *testing.T) {
	assert.Equal(t, UniqueViolation, PgCode(&pgconn.PgError{Code: "23505"}))
	assert.Empty(t, PgCode(errors.New("plain")))
	assert.Empty(t, PgCode(nil))
}

func TestMigrate_AppliesPending(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	fsys := fstest.MapFS{
		"migrations/001_init.sql": {Data: []byte("CREATE TABLE a (id int);")},
		"migrations/002_more.sql": {Data: []byte("CREATE TABLE b (id int);")},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_init.sql"))
	mock.ExpectExec(`CREATE TABLE b`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("002_more.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), mock, fsys, "migrations"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockFailure(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	fsys := fstest.MapFS{"migrations/001_init.sql": {Data: []byte("SELECT 1;")}}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(migrationLockKey).
		WillReturnError(eris.New("connection reset"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, fsys, "migrations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}
