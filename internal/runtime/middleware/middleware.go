// Package middleware composes the behaviours wrapped around every handler
// invocation. A chain returns true when the message was handled and should
// be acknowledged, false when it should be left for redelivery.
package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
)

// ErrVisibilityUnavailable is returned by UpdateVisibility when the
// transport cannot change visibility.
var ErrVisibilityUnavailable = errors.New("flowbus: visibility updates are not available for this message")

// VisibilityChanger extends or shortens the invisibility of one delivery.
type VisibilityChanger interface {
	ChangeVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error
}

// HandleContext is the per-delivery state passed explicitly through the
// chain into the handler. It is owned by one invocation.
type HandleContext struct {
	Queue         string
	Group         string
	Subject       string
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	SentAt        time.Time
	Attributes    attributes.MessageAttributes
	// Message is the decoded domain message.
	Message messages.Message
	// HandlerName identifies the registration that serves this delivery.
	HandlerName string
	Logger      loggingpkg.ServiceLogger

	visibility VisibilityChanger
	err        error
}

// SetVisibilityChanger wires the transport used by UpdateVisibility.
func (hc *HandleContext) SetVisibilityChanger(v VisibilityChanger) {
	hc.visibility = v
}

// UpdateVisibility hides the message from other receivers for timeout from
// now.
func (hc *HandleContext) UpdateVisibility(ctx context.Context, timeout time.Duration) error {
	if hc.visibility == nil || hc.ReceiptHandle == "" {
		return ErrVisibilityUnavailable
	}
	return hc.visibility.ChangeVisibility(ctx, hc.Queue, hc.ReceiptHandle, timeout)
}

// RecordError keeps err for observability. The first recorded error wins.
func (hc *HandleContext) RecordError(err error) {
	if hc.err == nil {
		hc.err = err
	}
}

// Err returns the recorded error, if any.
func (hc *HandleContext) Err() error { return hc.err }

// Handler is a chain stage or the terminal handler.
type Handler func(ctx context.Context, hc *HandleContext) (bool, error)

// Middleware wraps the rest of the chain.
type Middleware func(next Handler) Handler

// Chain wraps h in mws. The first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
