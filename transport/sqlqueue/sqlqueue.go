// Package sqlqueue implements transport.Client on a SQL table. Rows stay in
// the table while in flight and are hidden by a visible_at timestamp, so a
// crashed consumer's messages reappear once their visibility timeout lapses.
// The sqlite and postgres transports are thin dialect wrappers around it.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	"github.com/drblury/flowbus/internal/runtime/ids"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
	"github.com/drblury/flowbus/transport"
)

const (
	// DefaultPollInterval is the default interval between empty polls.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultVisibilityTimeout is how long a received row stays hidden.
	DefaultVisibilityTimeout = 30 * time.Second
)

// ErrReceiptNotFound is returned when a receipt handle no longer matches a row.
var ErrReceiptNotFound = fmt.Errorf("sqlqueue: %w", transport.ErrReceiptInvalid)

// Dialect captures what differs between database engines.
type Dialect struct {
	// Name is used in log fields.
	Name string
	// Schema creates the tables. Statements are separated by semicolons.
	Schema string
	// Numbered placeholders ($1, $2) instead of question marks.
	Numbered bool
	// LockClause is appended to the candidate SELECT, e.g. FOR UPDATE SKIP LOCKED.
	LockClause string
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Config holds queue settings.
type Config struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// Redrive maps a queue to its dead letter policy.
	Redrive map[string]transport.RedrivePolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return c
}

// Queue is a SQL-backed transport.Client. Queues and topics are implicit:
// a queue exists once something is published to it and a topic delivers to
// whatever queues were subscribed with Subscribe.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

	closeOnce sync.Once
}

// New initialises the schema and returns a Queue.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if db == nil {
		return nil, errors.New("sqlqueue: database is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q := &Queue{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(q.dialect.Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB {
	return q.db
}

// ResolveQueue implements transport.QueueResolver. Queues are implicit, so
// this only checks the database is reachable.
func (q *Queue) ResolveQueue(ctx context.Context, _ string) error {
	return q.db.PingContext(ctx)
}

// Subscribe routes future publishes on topic to the given queues.
func (q *Queue) Subscribe(ctx context.Context, topic string, queues ...string) error {
	for _, name := range queues {
		if _, err := q.db.ExecContext(ctx, q.dialect.Rebind(
			`INSERT INTO flowbus_subscriptions (topic, queue) VALUES (?, ?)`), topic, name); err != nil {
			return fmt.Errorf("failed to subscribe %s to %s: %w", name, topic, err)
		}
	}
	return nil
}

// Publish implements transport.Publisher.
func (q *Queue) Publish(ctx context.Context, dest transport.Destination, env transport.Envelope) error {
	switch dest.Kind {
	case transport.DestinationQueue:
		return q.insert(ctx, q.db, dest.Name, env)
	case transport.DestinationTopic:
		return q.publishTopic(ctx, dest.Name, env)
	default:
		return fmt.Errorf("sqlqueue: unsupported destination kind %s", dest.Kind)
	}
}

func (q *Queue) publishTopic(ctx context.Context, topic string, env transport.Envelope) error {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(
		`SELECT queue FROM flowbus_subscriptions WHERE topic = ?`), topic)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var queues []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		queues = append(queues, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	body, err := transport.NotificationBody(topic, env)
	if err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer q.rollback(tx)

	for _, name := range queues {
		if err := q.insert(ctx, tx, name, transport.Envelope{Body: body}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *Queue) insert(ctx context.Context, db execer, queue string, env transport.Envelope) error {
	attrs, err := jsoncodec.MarshalString(env.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	now := q.now()
	_, err = db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO flowbus_messages (message_id, queue, body, attributes, subject, receipt, receive_count, visible_at, sent_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?, ?)`),
		ids.NewMessageID(), queue, env.Body, attrs, env.Subject, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Receive implements transport.Receiver, polling every PollInterval until
// rows are visible or wait elapses.
func (q *Queue) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]transport.Delivery, error) {
	if max <= 0 || max > transport.MaxReceiveBatch {
		max = transport.MaxReceiveBatch
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		out, err := q.take(ctx, queue, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type row struct {
	id           int64
	messageID    string
	body         string
	attrs        string
	subject      string
	receiveCount int
	sentAt       int64
}

func (q *Queue) take(ctx context.Context, queue string, max int) ([]transport.Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer q.rollback(tx)

	now := q.now()
	if err := q.redrive(ctx, tx, queue, now); err != nil {
		return nil, err
	}

	query := `SELECT id, message_id, body, attributes, subject, receive_count, sent_at
		FROM flowbus_messages
		WHERE queue = ? AND visible_at <= ?
		ORDER BY id ASC
		LIMIT ?`
	if q.dialect.LockClause != "" {
		query += " " + q.dialect.LockClause
	}
	rows, err := tx.QueryContext(ctx, q.dialect.Rebind(query), queue, now.UnixNano(), max)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.messageID, &r.body, &r.attrs, &r.subject, &r.receiveCount, &r.sentAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visibleAt := now.Add(q.config.VisibilityTimeout).UnixNano()
	out := make([]transport.Delivery, 0, len(candidates))
	for _, r := range candidates {
		receipt := uuid.NewString()
		if _, err := tx.ExecContext(ctx, q.dialect.Rebind(
			`UPDATE flowbus_messages SET receipt = ?, receive_count = receive_count + 1, visible_at = ? WHERE id = ?`),
			receipt, visibleAt, r.id); err != nil {
			return nil, fmt.Errorf("failed to lock message: %w", err)
		}

		attrs := attributes.MessageAttributes{}
		if r.attrs != "" && r.attrs != "null" {
			if err := jsoncodec.UnmarshalString(r.attrs, &attrs); err != nil {
				q.logger.Error("failed to unmarshal attributes", err, watermill.LogFields{"message_id": r.messageID})
			}
		}
		out = append(out, transport.Delivery{
			Envelope:      transport.Envelope{Body: r.body, Attributes: attrs, Subject: r.subject},
			Queue:         queue,
			MessageID:     r.messageID,
			ReceiptHandle: receipt,
			ReceiveCount:  r.receiveCount + 1,
			SentAt:        time.Unix(0, r.sentAt).UTC(),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive: %w", err)
	}
	return out, nil
}

// redrive moves visible rows that already reached the queue's receive limit
// to its dead letter queue.
func (q *Queue) redrive(ctx context.Context, tx *sql.Tx, queue string, now time.Time) error {
	policy, ok := q.config.Redrive[queue]
	if !ok || policy.MaxReceiveCount <= 0 || policy.DeadLetterQueue == "" {
		return nil
	}
	res, err := tx.ExecContext(ctx, q.dialect.Rebind(
		`UPDATE flowbus_messages SET queue = ?, receive_count = 0, receipt = ''
		WHERE queue = ? AND visible_at <= ? AND receive_count >= ?`),
		policy.DeadLetterQueue, queue, now.UnixNano(), policy.MaxReceiveCount)
	if err != nil {
		return fmt.Errorf("failed to redrive messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Info("Moved messages to dead letter queue", watermill.LogFields{
			"queue":             queue,
			"dead_letter_queue": policy.DeadLetterQueue,
			"count":             n,
		})
	}
	return nil
}

// Delete implements transport.Acknowledger.
func (q *Queue) Delete(ctx context.Context, queue, receiptHandle string) error {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`DELETE FROM flowbus_messages WHERE queue = ? AND receipt = ?`), queue, receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return requireRow(res, receiptHandle)
}

// ChangeVisibility implements transport.Acknowledger.
func (q *Queue) ChangeVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`UPDATE flowbus_messages SET visible_at = ? WHERE queue = ? AND receipt = ?`),
		q.now().Add(timeout).UnixNano(), queue, receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to change visibility: %w", err)
	}
	return requireRow(res, receiptHandle)
}

// Depth returns the number of rows on a queue, in flight or not.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(
		`SELECT COUNT(*) FROM flowbus_messages WHERE queue = ?`), queue).Scan(&count)
	return count, err
}

// Purge removes every row from a queue.
func (q *Queue) Purge(ctx context.Context, queue string) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM flowbus_messages WHERE queue = ?`), queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() { err = q.db.Close() })
	return err
}

func (q *Queue) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		q.logger.Error("failed to rollback transaction", err, nil)
	}
}

func requireRow(res sql.Result, receiptHandle string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptHandle)
	}
	return nil
}

var (
	_ transport.Client        = (*Queue)(nil)
	_ transport.QueueResolver = (*Queue)(nil)
	_ transport.Closer        = (*Queue)(nil)
)
