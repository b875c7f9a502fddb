package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Ready reports an error unless the database answers and every embedded
// migration has been applied.
func Ready(ctx context.Context, conn *sql.DB) error {
	if conn == nil {
		return errors.New("db connection is nil")
	}
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	pending, err := pendingMigrations(ctx, conn)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("pending migrations: %s", strings.Join(pending, ","))
	}
	return nil
}

// pendingMigrations returns embedded migration names missing from
// schema_migrations, in apply order.
func pendingMigrations(ctx context.Context, conn *sql.DB) ([]string, error) {
	if _, err := conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}
	names, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range names {
		if _, ok := applied[name]; !ok {
			pending = append(pending, name)
		}
	}
	return pending, nil
}
