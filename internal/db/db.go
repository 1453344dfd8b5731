package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Connect opens the database for the given driver and runs migrations.
func Connect(driver, dsn string, log *logrus.Entry) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == DriverSQLite {
		// a single connection keeps in-memory databases shared and serialises writers
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if log != nil {
		log.WithField("driver", driver).Info("database migrations applied")
	}
	return db, nil
}

// Migrate creates the chat tables for the connection's dialect.
func Migrate(db *sqlx.DB) error {
	migrations := postgresMigrations
	if db.DriverName() == DriverSQLite {
		migrations = sqliteMigrations
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS service_requests (
            id BIGSERIAL PRIMARY KEY,
            client_id BIGINT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS chat_threads (
            id BIGSERIAL PRIMARY KEY,
            request_id BIGINT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
            client_id BIGINT NOT NULL,
            admin_id BIGINT,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
            opened_at TIMESTAMPTZ NOT NULL,
            closed_at TIMESTAMPTZ,
            cleaned_at TIMESTAMPTZ,
            CONSTRAINT chat_threads_request_id_key UNIQUE (request_id)
        );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            id BIGSERIAL PRIMARY KEY,
            thread_id BIGINT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('text', 'image', 'location')),
            text TEXT,
            latitude DOUBLE PRECISION,
            longitude DOUBLE PRECISION,
            media_path TEXT,
            created_at TIMESTAMPTZ NOT NULL,
            redacted_at TIMESTAMPTZ
        );`,
	`CREATE INDEX IF NOT EXISTS chat_messages_thread_id_id_idx ON chat_messages (thread_id, id DESC);`,
	`CREATE INDEX IF NOT EXISTS chat_threads_pending_cleanup_idx ON chat_threads (closed_at) WHERE status = 'closed' AND cleaned_at IS NULL;`,
}

var sqliteMigrations = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS service_requests (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            client_id INTEGER NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS chat_threads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id INTEGER NOT NULL UNIQUE REFERENCES service_requests(id) ON DELETE CASCADE,
            client_id INTEGER NOT NULL,
            admin_id INTEGER,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
            opened_at TIMESTAMP NOT NULL,
            closed_at TIMESTAMP,
            cleaned_at TIMESTAMP
        );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            thread_id INTEGER NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
            sender_id INTEGER NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('text', 'image', 'location')),
            text TEXT,
            latitude REAL,
            longitude REAL,
            media_path TEXT,
            created_at TIMESTAMP NOT NULL,
            redacted_at TIMESTAMP
        );`,
	`CREATE INDEX IF NOT EXISTS chat_messages_thread_id_id_idx ON chat_messages (thread_id, id DESC);`,
}
