package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes an idempotent insert into an append-only table.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns in argument order
	ConflictKeys []string // columns forming the unique constraint
	Returning    []string // optional RETURNING columns
}

// InsertIgnoreSQL builds INSERT ... VALUES ($1..$n) ON CONFLICT (keys) DO
// NOTHING. Replaying the same row is a no-op that affects zero rows.
func InsertIgnoreSQL(cfg InsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: insert: no conflict keys specified")
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	if len(cfg.Returning) > 0 {
		sql += " RETURNING " + quoteAndJoin(cfg.Returning)
	}
	return sql, nil
}

// MustInsertIgnoreSQL is InsertIgnoreSQL for statically known configs.
func MustInsertIgnoreSQL(cfg InsertConfig) string {
	sql, err := InsertIgnoreSQL(cfg)
	if err != nil {
		panic(err)
	}
	return sql
}

// sanitizeTable handles schema-qualified table names like "scout.observations".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
