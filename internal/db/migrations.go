package db

import (
	"fmt"

	"gorm.io/gorm"
)

var postgresMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		name        TEXT PRIMARY KEY,
		value       JSONB NOT NULL,
		version     INT NOT NULL DEFAULT 2,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

var sqliteMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		name        TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		version     INTEGER NOT NULL DEFAULT 2,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

func migrationStatements(dialect string) ([]string, error) {
	switch dialect {
	case "postgres":
		return postgresMigrationStatements, nil
	case "sqlite":
		return sqliteMigrationStatements, nil
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}

func runMigrations(db *gorm.DB) error {
	statements, err := migrationStatements(db.Dialector.Name())
	if err != nil {
		return err
	}
	for i, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
