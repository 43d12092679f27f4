// Package memory provides an in-process queue service. It behaves like SQS
// closely enough to drive the full consumption pipeline in tests and local
// development: messages become invisible while in flight, receive counts
// grow on redelivery, and topics fan out notification-wrapped copies to
// subscribed queues.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/flowbus/internal/runtime/ids"
	"github.com/drblury/flowbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

const (
	defaultVisibilityTimeout = 30 * time.Second
	pollInterval             = 5 * time.Millisecond
)

var (
	// ErrQueueNotFound mirrors the queue service's non-existent queue error.
	ErrQueueNotFound = errors.New("memory: queue does not exist")
	// ErrTopicNotFound is returned when publishing to a topic nobody declared.
	ErrTopicNotFound = errors.New("memory: topic does not exist")
	// ErrReceiptNotFound is returned when a receipt handle is stale or unknown.
	ErrReceiptNotFound = fmt.Errorf("memory: %w", transport.ErrReceiptInvalid)
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a Client that creates queues on first use.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts := []Option{WithAutoCreate()}
	if cfg != nil && cfg.GetVisibilityTimeout() > 0 {
		opts = append(opts, WithVisibilityTimeout(cfg.GetVisibilityTimeout()))
	}
	client := NewClient(opts...)
	if logger != nil {
		logger.Info("Created in-memory transport", watermill.LogFields{"visibility_timeout": client.visibilityTimeout.String()})
	}
	return transport.Transport{Client: client, Publisher: client}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Option configures a Client.
type Option func(*Client)

// WithQueues declares queues up front.
func WithQueues(names ...string) Option {
	return func(c *Client) {
		for _, name := range names {
			c.queues[name] = &queue{}
		}
	}
}

// WithTopic declares a topic and the queues subscribed to it.
func WithTopic(topic string, queues ...string) Option {
	return func(c *Client) {
		c.topics[topic] = append(c.topics[topic], queues...)
		for _, name := range queues {
			if _, ok := c.queues[name]; !ok {
				c.queues[name] = &queue{}
			}
		}
	}
}

// WithAutoCreate makes unknown queues and topics spring into existence.
func WithAutoCreate() Option {
	return func(c *Client) { c.autoCreate = true }
}

// WithVisibilityTimeout sets how long a received message stays invisible.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Client) { c.visibilityTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// VisibilityChange records one ChangeVisibility call.
type VisibilityChange struct {
	Queue     string
	MessageID string
	Timeout   time.Duration
}

// Published records one Publish call.
type Published struct {
	Destination transport.Destination
	Envelope    transport.Envelope
}

type stored struct {
	id           string
	env          transport.Envelope
	receipt      string
	receiveCount int
	visibleAt    time.Time
	sentAt       time.Time
}

type queue struct {
	messages []*stored
}

// Client is an in-memory transport.Client. Safe for concurrent use.
type Client struct {
	mu                sync.Mutex
	queues            map[string]*queue
	topics            map[string][]string
	autoCreate        bool
	visibilityTimeout time.Duration
	now               func() time.Time

	deleted           map[string]int
	visibilityChanges []VisibilityChange
	published         []Published
	receiveCalls      int

	receiveErrs []error
	deleteErrs  []error
	publishErrs []error
}

// NewClient returns an empty Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		queues:            make(map[string]*queue),
		topics:            make(map[string][]string),
		visibilityTimeout: defaultVisibilityTimeout,
		now:               time.Now,
		deleted:           make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveQueue implements transport.QueueResolver.
func (c *Client) ResolveQueue(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.queueLocked(name)
	return err
}

func (c *Client) queueLocked(name string) (*queue, error) {
	q, ok := c.queues[name]
	if ok {
		return q, nil
	}
	if !c.autoCreate {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	q = &queue{}
	c.queues[name] = q
	return q, nil
}

// Receive implements transport.Receiver. It polls until at least one message
// is visible, wait elapses or ctx is cancelled.
func (c *Client) Receive(ctx context.Context, name string, max int, wait time.Duration) ([]transport.Delivery, error) {
	if max <= 0 || max > transport.MaxReceiveBatch {
		max = transport.MaxReceiveBatch
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.take(name, max)
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

func (c *Client) take(name string, max int) ([]transport.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receiveCalls++
	if err := popErr(&c.receiveErrs); err != nil {
		return nil, err
	}
	q, err := c.queueLocked(name)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var out []transport.Delivery
	for _, m := range q.messages {
		if len(out) == max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.receiveCount++
		m.receipt = uuid.NewString()
		m.visibleAt = now.Add(c.visibilityTimeout)
		out = append(out, transport.Delivery{
			Envelope: transport.Envelope{
				Body:       m.env.Body,
				Attributes: m.env.Attributes.Clone(),
				Subject:    m.env.Subject,
			},
			Queue:         name,
			MessageID:     m.id,
			ReceiptHandle: m.receipt,
			ReceiveCount:  m.receiveCount,
			SentAt:        m.sentAt,
		})
	}
	return out, nil
}

// Delete implements transport.Acknowledger.
func (c *Client) Delete(_ context.Context, name, receipt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.deleteErrs); err != nil {
		return err
	}
	q, err := c.queueLocked(name)
	if err != nil {
		return err
	}
	for i, m := range q.messages {
		if m.receipt == receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			c.deleted[name]++
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrReceiptNotFound, receipt)
}

// ChangeVisibility implements transport.Acknowledger.
func (c *Client) ChangeVisibility(_ context.Context, name, receipt string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queueLocked(name)
	if err != nil {
		return err
	}
	for _, m := range q.messages {
		if m.receipt == receipt {
			m.visibleAt = c.now().Add(timeout)
			c.visibilityChanges = append(c.visibilityChanges, VisibilityChange{Queue: name, MessageID: m.id, Timeout: timeout})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrReceiptNotFound, receipt)
}

// Publish implements transport.Publisher. Topic publishes are delivered to
// every subscribed queue wrapped in a notification document.
func (c *Client) Publish(_ context.Context, dest transport.Destination, env transport.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.publishErrs); err != nil {
		return err
	}

	switch dest.Kind {
	case transport.DestinationQueue:
		q, err := c.queueLocked(dest.Name)
		if err != nil {
			return err
		}
		c.enqueueLocked(q, env)
	case transport.DestinationTopic:
		subscribers, ok := c.topics[dest.Name]
		if !ok && !c.autoCreate {
			return fmt.Errorf("%w: %s", ErrTopicNotFound, dest.Name)
		}
		body, err := transport.NotificationBody(dest.Name, env)
		if err != nil {
			return err
		}
		for _, name := range subscribers {
			q, err := c.queueLocked(name)
			if err != nil {
				return err
			}
			c.enqueueLocked(q, transport.Envelope{Body: body})
		}
	default:
		return fmt.Errorf("memory: unsupported destination kind %s", dest.Kind)
	}

	c.published = append(c.published, Published{Destination: dest, Envelope: env})
	return nil
}

// Send places a raw envelope on a queue, bypassing the publish record.
func (c *Client) Send(name string, env transport.Envelope) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queueLocked(name)
	if err != nil {
		return "", err
	}
	return c.enqueueLocked(q, env), nil
}

func (c *Client) enqueueLocked(q *queue, env transport.Envelope) string {
	id := ids.NewMessageID()
	now := c.now()
	q.messages = append(q.messages, &stored{
		id:        id,
		env:       transport.Envelope{Body: env.Body, Attributes: env.Attributes.Clone(), Subject: env.Subject},
		visibleAt: now,
		sentAt:    now,
	})
	return id
}

// Subscribe adds queues to a topic's subscriber list.
func (c *Client) Subscribe(topic string, queues ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = append(c.topics[topic], queues...)
}

// FailReceive makes the next receive calls return err, once per call.
func (c *Client) FailReceive(err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveErrs = appendN(c.receiveErrs, err, times)
}

// FailDelete makes the next delete calls return err.
func (c *Client) FailDelete(err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteErrs = appendN(c.deleteErrs, err, times)
}

// FailPublish makes the next publish calls return err.
func (c *Client) FailPublish(err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErrs = appendN(c.publishErrs, err, times)
}

// Depth returns the number of messages on a queue, in flight or not.
func (c *Client) Depth(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Deleted returns how many messages were deleted from a queue.
func (c *Client) Deleted(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted[name]
}

// ReceiveCalls returns how many receive attempts were made, including empty polls.
func (c *Client) ReceiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveCalls
}

// VisibilityChanges returns every recorded ChangeVisibility call.
func (c *Client) VisibilityChanges() []VisibilityChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VisibilityChange, len(c.visibilityChanges))
	copy(out, c.visibilityChanges)
	return out
}

// Published returns every successful publish.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// ReceiveCount returns the receive count of a message still on the queue.
func (c *Client) ReceiveCount(name, messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		for _, m := range q.messages {
			if m.id == messageID {
				return m.receiveCount
			}
		}
	}
	return 0
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func appendN(errs []error, err error, times int) []error {
	for i := 0; i < times; i++ {
		errs = append(errs, err)
	}
	return errs
}

var _ transport.Client = (*Client)(nil)
var _ transport.QueueResolver = (*Client)(nil)
