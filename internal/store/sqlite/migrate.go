// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package sqlite

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded schema migrations. Already-applied
// versions are skipped. The migrator is not closed because that would
// close db.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreMigrationFailure, "creating migration source")
	}

	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreMigrationFailure, "creating migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreMigrationFailure, "creating migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return keyerr.Wrap(err, keyerr.CodeStoreMigrationFailure, "applying migrations")
	}
	return nil
}
