package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var schemaFS embed.FS

const schemaDir = "migrations/sqlite"

// NewMigrator opens the analytics database at dsn with the embedded schema
// as its migration source. Closing the migrator closes the database.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFS, schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read embedded schema: %w", err)
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	target, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		_ = conn.Close()
		_ = src.Close()
		return nil, fmt.Errorf("prepare schema table in %s: %w", dsn, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		_ = target.Close()
		_ = src.Close()
		return nil, fmt.Errorf("load schema migrations: %w", err)
	}
	return m, nil
}

// Upgrade applies pending schema migrations to the database at dsn and
// reports the schema version before and after. A fresh database starts at 0.
func Upgrade(dsn string) (from, to uint, err error) {
	m, err := NewMigrator(dsn)
	if err != nil {
		return 0, 0, err
	}
	defer m.Close()

	from, err = schemaVersion(m)
	if err != nil {
		return 0, 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, from, fmt.Errorf("apply schema: %w", err)
	}
	to, err = schemaVersion(m)
	return from, to, err
}

// schemaVersion returns the applied version, refusing a half-applied one.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty; repair it with migrate force", v)
	}
	return v, nil
}
