package db

import (
	"context"
	"database/sql"

	_ "embed"

	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// Migrate applies the Postgres schema to the given database. It executes the
// statements in schema.sql which create tables if they do not already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return errors.Wrap(err, "apply postgres schema")
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, sqliteSchemaSQL)
	return errors.Wrap(err, "apply sqlite schema")
}
