package fleetdb

import (
	"context"
	_ "embed"
)

// Schema creates the tables the engine uses when they are missing.
//
//go:embed schema.sql
var Schema string

// Migrate applies Schema.
func Migrate(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
