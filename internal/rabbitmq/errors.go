package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrAccessRefused      = errors.New("rabbitmq: access refused")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrConsumerClosed      = errors.New("rabbitmq: consumer is closed")
	ErrAlreadySubscribed   = errors.New("rabbitmq: consumer already subscribed")
	ErrAlreadyAcknowledged = errors.New("rabbitmq: delivery already acknowledged")
	ErrForeignDelivery     = errors.New("rabbitmq: delivery belongs to another channel")
	ErrInvalidDelivery     = errors.New("rabbitmq: invalid delivery")

	// Topology errors
	ErrDeclarationConflict = errors.New("rabbitmq: declaration conflicts with existing entity")
	ErrEntityNotFound      = errors.New("rabbitmq: entity not found")
	ErrInvalidTopology     = errors.New("rabbitmq: invalid topology configuration")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID uint16    // Channel identifier, 0 before the channel exists
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Index      int       // Message index within the batch
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %d to %q/%q: %v",
		e.Index, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error. A redeclaration with
// different attributes unwraps to ErrDeclarationConflict.
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// BindError is returned when a binding names a queue or exchange the
// broker does not know.
type BindError struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *BindError) Error() string {
	return fmt.Sprintf("rabbitmq bind error: queue %s to exchange %s (key %q): %v",
		e.Queue, e.Exchange, e.RoutingKey, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// DeliveryDecodeError marks a payload the consumer could not turn into a
// message. It is local to one delivery.
type DeliveryDecodeError struct {
	Queue       string
	DeliveryTag uint64
	Err         error
}

func (e *DeliveryDecodeError) Error() string {
	return fmt.Sprintf("rabbitmq decode error: delivery %d from queue %s: %v",
		e.DeliveryTag, e.Queue, e.Err)
}

func (e *DeliveryDecodeError) Unwrap() error {
	return e.Err
}

// Scope says how far an error reaches.
type Scope int

const (
	// ScopeNone is the scope of a nil error
	ScopeNone Scope = iota
	// ScopeDelivery errors affect one delivery; the loop keeps going
	ScopeDelivery
	// ScopeOwner errors stop the producer or consumer that owns the channel
	ScopeOwner
	// ScopeRun errors abort the whole run
	ScopeRun
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeDelivery:
		return "delivery"
	case ScopeOwner:
		return "owner"
	case ScopeRun:
		return "run"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ScopeOf classifies err by the propagation policy: connection failures
// and topology conflicts abort the run, channel failures stop their owner,
// decode failures stay with the delivery.
func ScopeOf(err error) Scope {
	if err == nil {
		return ScopeNone
	}

	var decodeErr *DeliveryDecodeError
	if errors.As(err, &decodeErr) {
		return ScopeDelivery
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ScopeRun
	}

	var topoErr *TopologyError
	if errors.As(err, &topoErr) {
		return ScopeRun
	}

	var bindErr *BindError
	if errors.As(err, &bindErr) {
		return ScopeRun
	}

	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrConnectionNotReady) {
		return ScopeRun
	}

	return ScopeOwner
}

// IsFatal reports whether err must abort the whole run
func IsFatal(err error) bool {
	return ScopeOf(err) == ScopeRun
}

// classifyAMQPError maps broker reply codes onto the package sentinels so
// callers can use errors.Is without knowing AMQP reply codes.
func classifyAMQPError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return err
	}

	switch amqpErr.Code {
	case amqp.PreconditionFailed:
		return fmt.Errorf("%w: %w", ErrDeclarationConflict, err)
	case amqp.NotFound:
		return fmt.Errorf("%w: %w", ErrEntityNotFound, err)
	case amqp.AccessRefused:
		return fmt.Errorf("%w: %w", ErrAccessRefused, err)
	case amqp.ChannelError:
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	case amqp.ConnectionForced:
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	return err
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
