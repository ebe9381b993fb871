package storage

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

var requiredTables = []string{"events", "event_relays"}

// InitializeSchema creates the cache tables if they don't exist.
func (db *DB) InitializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return errNotConnected
	}

	db.log.Info("Initializing event cache schema...")
	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		db.log.Error("Failed to initialize database schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return db.VerifySchema(ctx)
}

// VerifySchema checks if all required tables exist
func (db *DB) VerifySchema(ctx context.Context) error {
	if !db.isConnected() {
		return errNotConnected
	}

	for _, table := range requiredTables {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		db.log.Debug("Table exists", zap.String("table", table))
	}
	return nil
}
