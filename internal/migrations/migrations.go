// Package migrations embeds and applies the rollout control plane's
// schema migrations (devices, target/current state, image registry,
// policies, rollouts, events).
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed queries/*.sql
var Migrations embed.FS

// driverFor builds the golang-migrate database driver for the given
// sql driver name ("sqlite3" or "postgres").
func driverFor(d *sql.DB, driverName string) (database.Driver, error) {
	switch driverName {
	case "postgres":
		return postgres.WithInstance(d, &postgres.Config{})
	case "sqlite3", "sqlite":
		if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		return sqlite3.WithInstance(d, &sqlite3.Config{})
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", driverName)
	}
}

// MigrateUp applies all pending migrations for the given driver.
func MigrateUp(d *sql.DB, driverName string) (version int, dirty bool, err error) {
	source, err := iofs.New(Migrations, "queries")
	if err != nil {
		return -1, false, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := driverFor(d, driverName)
	if err != nil {
		return -1, false, err
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return -1, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := driver.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}

// MigrateDown rolls back all migrations for the given driver.
func MigrateDown(d *sql.DB, driverName string) (version int, dirty bool, err error) {
	source, err := iofs.New(Migrations, "queries")
	if err != nil {
		return -1, false, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := driverFor(d, driverName)
	if err != nil {
		return -1, false, err
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return -1, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := driver.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}
