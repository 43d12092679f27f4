// Package postgres provides a durable queue for flowbus backed by
// PostgreSQL. Concurrent consumers claim rows with SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// Dialect is the PostgreSQL flavour of the queue schema.
var Dialect = sqlqueue.Dialect{
	Name: TransportName,
	Schema: `
	CREATE TABLE IF NOT EXISTS flowbus_messages (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		queue TEXT NOT NULL,
		body TEXT NOT NULL,
		attributes TEXT,
		subject TEXT NOT NULL DEFAULT '',
		receipt TEXT NOT NULL DEFAULT '',
		receive_count INTEGER NOT NULL DEFAULT 0,
		visible_at BIGINT NOT NULL,
		sent_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flowbus_messages_queue ON flowbus_messages(queue, visible_at);
	CREATE INDEX IF NOT EXISTS idx_flowbus_messages_receipt ON flowbus_messages(receipt);
	CREATE TABLE IF NOT EXISTS flowbus_subscriptions (
		topic TEXT NOT NULL,
		queue TEXT NOT NULL,
		PRIMARY KEY (topic, queue)
	)`,
	Numbered:   true,
	LockClause: "FOR UPDATE SKIP LOCKED",
}

// OpenDB allows overriding the database connection for testing.
var OpenDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	sqlqueue.Config
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		Config:           sqlqueue.Config{VisibilityTimeout: cfg.GetVisibilityTimeout()},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Client: q, Publisher: q}, nil
}

// New connects and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := OpenDB(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	q, err := sqlqueue.New(ctx, db, Dialect, cfg.Config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
