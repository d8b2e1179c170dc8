package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPayloadFormat is the text every harness message carries
const DefaultPayloadFormat = "Hello world! message ID:%d"

// PayloadTemplate builds the body of the i-th message of a batch
type PayloadTemplate func(i int) []byte

// TextTemplate formats the message index into format
func TextTemplate(format string) PayloadTemplate {
	return func(i int) []byte {
		return []byte(fmt.Sprintf(format, i))
	}
}

// Recorder observes publishing and consumption. The metrics package
// provides the Prometheus implementation.
type Recorder interface {
	MessagePublished(exchange string)
	DeliverySettled(queue, consumerTag string, outcome Outcome, elapsed time.Duration)
}

// Outcome is how a delivery left the consumer
type Outcome string

const (
	OutcomeAcked       Outcome = "acked"
	OutcomeNacked      Outcome = "nacked"
	OutcomeDecodeError Outcome = "decode_error"
)

type nopRecorder struct{}

func (nopRecorder) MessagePublished(string)                                {}
func (nopRecorder) DeliverySettled(string, string, Outcome, time.Duration) {}

// confirmBuffer is how many confirmations may queue up between drains
const confirmBuffer = 256

// BatchResult summarises a SendBatch call
type BatchResult struct {
	Published int
	Confirmed int
}

// Publisher publishes batches on a channel it owns
type Publisher struct {
	ch             *Channel
	persistent     bool
	contentType    string
	confirm        bool
	confirmTimeout time.Duration
	logger         *slog.Logger
	recorder       Recorder

	confirms  <-chan amqp.Confirmation
	seq       uint64
	pending   map[uint64]int
	confirmed int
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPersistence sets the delivery mode; messages are persistent by default
func WithPersistence(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithContentType sets the content type of published messages
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithConfirms turns on publisher confirms. Every batch then waits until
// the broker confirmed each message or timeout passed without progress.
func WithConfirms(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirm = true
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherRecorder sets the metrics recorder
func WithPublisherRecorder(recorder Recorder) PublisherOption {
	return func(p *Publisher) {
		p.recorder = recorder
	}
}

// NewPublisher creates a new publisher on ch
func NewPublisher(ch *Channel, options ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: publisher needs a channel", ErrInvalidConfiguration)
	}

	p := &Publisher{
		ch:             ch,
		persistent:     true,
		contentType:    "text/plain",
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		recorder:       nopRecorder{},
	}

	for _, opt := range options {
		opt(p)
	}

	if p.confirm {
		confirms, err := ch.EnableConfirms(confirmBuffer)
		if err != nil {
			return nil, err
		}
		p.confirms = confirms
		p.pending = make(map[uint64]int)
	}

	return p, nil
}

// Publish sends one message with the given index
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, index int) error {
	msg := Message{
		Body:        body,
		Persistent:  p.persistent,
		Index:       index,
		MessageID:   uuid.NewString(),
		ContentType: p.contentType,
		Timestamp:   time.Now(),
	}

	if err := p.ch.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}

	if p.confirm {
		p.seq++
		p.pending[p.seq] = index
	}
	p.recorder.MessagePublished(exchange)
	return nil
}

// SendBatch publishes count messages built by tmpl to a fanout exchange
func (p *Publisher) SendBatch(ctx context.Context, exchange string, count int, tmpl PayloadTemplate) (BatchResult, error) {
	return p.SendBatchTo(ctx, exchange, "", count, tmpl)
}

// SendBatchTo publishes count messages built by tmpl. The first failing
// publish ends the batch and is returned with its index.
func (p *Publisher) SendBatchTo(ctx context.Context, exchange, routingKey string, count int, tmpl PayloadTemplate) (BatchResult, error) {
	var result BatchResult

	if count < 0 {
		return result, fmt.Errorf("%w: batch size must not be negative", ErrInvalidConfiguration)
	}
	if tmpl == nil {
		tmpl = TextTemplate(DefaultPayloadFormat)
	}

	start := time.Now()
	confirmedBefore := p.confirmed
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return result, &PublishError{Exchange: exchange, RoutingKey: routingKey, Index: i, Err: err, Timestamp: time.Now()}
		}

		if err := p.Publish(ctx, exchange, routingKey, tmpl(i), i); err != nil {
			p.logger.Error("publish failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"index", i,
				"error", err)
			return result, err
		}
		result.Published++

		if p.confirm {
			if err := p.drainConfirms(exchange, routingKey); err != nil {
				result.Confirmed = p.confirmed - confirmedBefore
				return result, err
			}
		}
	}

	if p.confirm {
		err := p.awaitConfirms(ctx, exchange, routingKey)
		result.Confirmed = p.confirmed - confirmedBefore
		if err != nil {
			return result, err
		}
	}

	p.logger.Info("batch published",
		"exchange", exchange,
		"routingKey", routingKey,
		"count", result.Published,
		"confirmed", result.Confirmed,
		"duration", time.Since(start))

	return result, nil
}

// Outstanding returns the number of publishes still awaiting a confirm
func (p *Publisher) Outstanding() int {
	return len(p.pending)
}

// drainConfirms consumes the confirmations that already arrived so the
// broker never blocks on a full confirmation buffer during a long batch.
func (p *Publisher) drainConfirms(exchange, routingKey string) error {
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return p.confirmError(exchange, routingKey, p.lowestPending(), ErrChannelClosed)
			}
			if err := p.settle(c, exchange, routingKey); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// awaitConfirms blocks until nothing is outstanding. The timeout restarts
// after every confirmation.
func (p *Publisher) awaitConfirms(ctx context.Context, exchange, routingKey string) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for len(p.pending) > 0 {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return p.confirmError(exchange, routingKey, p.lowestPending(), ErrChannelClosed)
			}
			if err := p.settle(c, exchange, routingKey); err != nil {
				return err
			}
			timer.Reset(p.confirmTimeout)

		case <-timer.C:
			return p.confirmError(exchange, routingKey, p.lowestPending(),
				fmt.Errorf("%w: %d messages unconfirmed", ErrPublishTimeout, len(p.pending)))

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// settle clears one outstanding publish
func (p *Publisher) settle(c amqp.Confirmation, exchange, routingKey string) error {
	index, known := p.pending[c.DeliveryTag]
	if !known {
		return nil
	}
	delete(p.pending, c.DeliveryTag)

	if !c.Ack {
		return p.confirmError(exchange, routingKey, index, ErrPublishNotConfirmed)
	}
	p.confirmed++
	return nil
}

func (p *Publisher) confirmError(exchange, routingKey string, index int, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Index:      index,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) lowestPending() int {
	lowest := -1
	for _, index := range p.pending {
		if lowest == -1 || index < lowest {
			lowest = index
		}
	}
	return lowest
}

// Close closes the publisher's channel
func (p *Publisher) Close() error {
	return p.ch.Close()
}
