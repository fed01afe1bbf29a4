package database

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // migration for sqlite3
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/pkg/database/migrations"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// SQLiteDB is the shared durable store backing nonce state, transaction
// records, and the job queue.
type SQLiteDB struct {
	URI string
	DB  *sql.DB
	Log zerolog.Logger
}

// Open opens a SQLite database and runs pending migrations.
func Open(path string, attributes ...attribute.KeyValue) (*SQLiteDB, error) {
	log := logger.With().
		Str("component", "db").
		Logger()

	attributes = append(attributes, metrics.BaseAttrs...)
	sqlDB, err := otelsql.Open("sqlite3", path, otelsql.WithAttributes(attributes...))
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %s", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(sqlDB, otelsql.WithAttributes(
		attributes...,
	)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %s", err)
	}

	database := &SQLiteDB{
		URI: path,
		DB:  sqlDB,
		Log: log,
	}

	if err := database.executeMigration(path); err != nil {
		return nil, fmt.Errorf("initializing db connection: %s", err)
	}

	return database, nil
}

// Close closes the database.
func (db *SQLiteDB) Close() error {
	return db.DB.Close()
}

// executeMigration runs db migrations leaving a ready to use SQLite database.
func (db *SQLiteDB) executeMigration(dbURI string) error {
	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("creating source driver: %s", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, "sqlite3://"+dbURI)
	if err != nil {
		return fmt.Errorf("creating migration: %s", err)
	}
	defer func() {
		if _, err := m.Close(); err != nil {
			db.Log.Error().Err(err).Msg("closing db migration")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migration up: %s", err)
	}

	version, dirty, err := m.Version()
	db.Log.Info().
		Uint("dbVersion", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("database migration executed")

	return nil
}
