// Package sqlite provides a durable local queue for flowbus backed by a
// SQLite file. It supports the full consumption contract, including
// visibility timeouts and redrive to a dead letter queue.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "flowbus_queue.db"

// Dialect is the SQLite flavour of the queue schema.
var Dialect = sqlqueue.Dialect{
	Name: TransportName,
	Schema: `
	CREATE TABLE IF NOT EXISTS flowbus_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		queue TEXT NOT NULL,
		body TEXT NOT NULL,
		attributes TEXT,
		subject TEXT NOT NULL DEFAULT '',
		receipt TEXT NOT NULL DEFAULT '',
		receive_count INTEGER NOT NULL DEFAULT 0,
		visible_at INTEGER NOT NULL,
		sent_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flowbus_messages_queue ON flowbus_messages(queue, visible_at);
	CREATE INDEX IF NOT EXISTS idx_flowbus_messages_receipt ON flowbus_messages(receipt);
	CREATE TABLE IF NOT EXISTS flowbus_subscriptions (
		topic TEXT NOT NULL,
		queue TEXT NOT NULL,
		PRIMARY KEY (topic, queue)
	)`,
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	sqlqueue.Config
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	return c
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{
		FilePath: cfg.GetSQLiteFile(),
		Config:   sqlqueue.Config{VisibilityTimeout: cfg.GetVisibilityTimeout()},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Client: q, Publisher: q}, nil
}

// New opens the database file and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q, err := sqlqueue.New(ctx, db, Dialect, cfg.Config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}
