package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBusRequired            = sterrors.New("flowbus: bus is required")
	ErrHandlerRequired        = sterrors.New("flowbus: handler function is required")
	ErrQueueRequired          = sterrors.New("flowbus: queue is required")
	ErrGroupRequired          = sterrors.New("flowbus: subscription group name is required")
	ErrUnknownQueue           = sterrors.New("flowbus: queue does not exist")
	ErrUnknownGroup           = sterrors.New("flowbus: subscription group is not registered")
	ErrNoHandlers             = sterrors.New("flowbus: no handlers registered for queue")
	ErrPublisherRequired      = sterrors.New("flowbus: publisher is required")
	ErrPublisherNotRegistered = sterrors.New("flowbus: no publisher registered for message type")
	ErrDestinationRequired    = sterrors.New("flowbus: publish destination is required")
	ErrMessageRequired        = sterrors.New("flowbus: message is required")
	ErrClientRequired         = sterrors.New("flowbus: transport client is required")
	ErrConfigRequired         = sterrors.New("flowbus: configuration is required")
	ErrBusStarted             = sterrors.New("flowbus: bus already started")
	ErrBusNotStarted          = sterrors.New("flowbus: bus not started")
	ErrGroupStopTimeout       = sterrors.New("flowbus: subscription group did not drain before the grace period elapsed")
	ErrInvalidGroupConfig     = sterrors.New("flowbus: invalid subscription group configuration")
	ErrEmptyBody              = sterrors.New("flowbus: message body is empty")
	ErrSubjectMissing         = sterrors.New("flowbus: message carries no subject")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// DecodeError reports a body that could not be turned into a domain message.
// The message is left on the queue for redelivery.
type DecodeError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("flowbus: failed to decode message %q from queue %q: %v", e.MessageID, e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodingNotRegisteredError is returned when a content encoding has no compressor.
type EncodingNotRegisteredError struct {
	Encoding   string
	Publishing bool
}

func (e *EncodingNotRegisteredError) Error() string {
	if e.Publishing {
		return fmt.Sprintf("No compression algorithm registered for encoding '%s'.", e.Encoding)
	}
	return fmt.Sprintf("Compression encoding '%s' is not registered.", e.Encoding)
}

// UnroutableError marks a decoded subject that has no handler on the queue it arrived on.
type UnroutableError struct {
	Queue   string
	Subject string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("flowbus: no handler registered for subject %q on queue %q", e.Subject, e.Queue)
}

// PublishError wraps a transport failure while publishing.
type PublishError struct {
	Subject     string
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("flowbus: failed to publish %s to %s: %v", e.Subject, e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err carries a DecodeError.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return sterrors.As(err, &target)
}

// IsUnroutable reports whether err carries an UnroutableError.
func IsUnroutable(err error) bool {
	var target *UnroutableError
	return sterrors.As(err, &target)
}
