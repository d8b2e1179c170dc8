package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// LoopState is the state of a consumer loop
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopSubscribed
	LoopReceiving
	LoopProcessing
	LoopAcked
	LoopNacked
	LoopClosed
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopSubscribed:
		return "subscribed"
	case LoopReceiving:
		return "receiving"
	case LoopProcessing:
		return "processing"
	case LoopAcked:
		return "acked"
	case LoopNacked:
		return "nacked"
	case LoopClosed:
		return "closed"
	default:
		return fmt.Sprintf("loop(%d)", int32(s))
	}
}

// Handler processes one decoded delivery. Returning an error, or panicking,
// requeues the message. A handler may settle d itself; the loop then
// leaves it alone.
type Handler func(ctx context.Context, body string, d *Delivery) error

// Decoder turns a delivery into the text handed to the Handler
type Decoder func(d *Delivery) (string, error)

// DecodeUTF8 accepts any valid UTF-8 payload
func DecodeUTF8(d *Delivery) (string, error) {
	if !utf8.Valid(d.Body) {
		return "", &DeliveryDecodeError{
			Queue:       d.Queue,
			DeliveryTag: d.DeliveryTag,
			Err:         errors.New("payload is not valid UTF-8"),
		}
	}
	return string(d.Body), nil
}

// closeSettle is how long the loop waits, after its delivery stream ended,
// for the channel to report why it closed.
const closeSettle = 250 * time.Millisecond

// ConsumerStats is a snapshot of a consumer loop's counters
type ConsumerStats struct {
	Queue        string
	ConsumerTag  string
	State        LoopState
	Received     int64
	Acked        int64
	Nacked       int64
	DecodeErrors int64
}

// Consumer runs the receive, process and settle loop for one subscription.
// It owns its channel; nothing else may use it while the loop runs.
type Consumer struct {
	ch          *Channel
	queue       string
	consumerTag string
	prefetch    int
	handler     Handler
	decoder     Decoder
	logger      *slog.Logger
	recorder    Recorder

	mu         sync.Mutex
	deliveries <-chan *Delivery
	cancel     context.CancelFunc

	state        atomic.Int32
	received     atomic.Int64
	acked        atomic.Int64
	nacked       atomic.Int64
	decodeErrors atomic.Int64
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTag sets the consumer tag; the broker generates one if empty
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithPrefetchCount sets the prefetch count, 0 for unlimited
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithDecoder replaces the UTF-8 payload decoder
func WithDecoder(decoder Decoder) ConsumerOption {
	return func(c *Consumer) {
		c.decoder = decoder
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerRecorder sets the metrics recorder
func WithConsumerRecorder(recorder Recorder) ConsumerOption {
	return func(c *Consumer) {
		c.recorder = recorder
	}
}

// NewConsumer creates a consumer of queue on ch. The default prefetch is 1.
func NewConsumer(ch *Channel, queue string, handler Handler, options ...ConsumerOption) (*Consumer, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: consumer needs a channel", ErrInvalidConfiguration)
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: consumer needs a queue", ErrInvalidConfiguration)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: consumer needs a handler", ErrInvalidConfiguration)
	}

	c := &Consumer{
		ch:       ch,
		queue:    queue,
		prefetch: 1,
		handler:  handler,
		decoder:  DecodeUTF8,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetch < 0 {
		return nil, fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	}

	c.logger = c.logger.With("queue", c.queue, "consumerTag", c.consumerTag)
	return c, nil
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// ConsumerTag returns the consumer tag
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// State returns the current loop state
func (c *Consumer) State() LoopState {
	return LoopState(c.state.Load())
}

// Stats returns a snapshot of the loop counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Queue:        c.queue,
		ConsumerTag:  c.consumerTag,
		State:        c.State(),
		Received:     c.received.Load(),
		Acked:        c.acked.Load(),
		Nacked:       c.nacked.Load(),
		DecodeErrors: c.decodeErrors.Load(),
	}
}

// Subscribe applies the prefetch limit and registers the consumer with the
// broker. The subscription outlives ctx; it ends with Run.
func (c *Consumer) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case LoopIdle:
	case LoopClosed:
		return c.consumerError("subscribe", ErrConsumerClosed)
	default:
		return c.consumerError("subscribe", ErrAlreadySubscribed)
	}

	if err := c.ch.SetPrefetch(c.prefetch); err != nil {
		return c.consumerError("qos", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := c.ch.Consume(streamCtx, c.queue, c.consumerTag)
	if err != nil {
		cancel()
		return err
	}

	c.deliveries = deliveries
	c.cancel = cancel
	c.state.Store(int32(LoopSubscribed))

	c.logger.Info("consumer subscribed", "prefetch", c.prefetch)
	return nil
}

// Run subscribes if needed and processes deliveries until ctx is cancelled
// or the channel closes. A graceful end returns nil; a broker-side close or
// a failed ack returns *ConsumerError.
func (c *Consumer) Run(ctx context.Context) error {
	if c.State() == LoopIdle {
		if err := c.Subscribe(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	deliveries, cancel := c.deliveries, c.cancel
	c.mu.Unlock()
	if deliveries == nil {
		return c.consumerError("run", ErrConsumerClosed)
	}

	defer func() {
		cancel()
		c.state.Store(int32(LoopClosed))
		c.logger.Info("consumer stopped",
			"received", c.received.Load(),
			"acked", c.acked.Load(),
			"nacked", c.nacked.Load())
	}()

	c.state.Store(int32(LoopReceiving))
	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return c.streamEnded(ctx)
			}
			if err := c.process(ctx, d); err != nil {
				return err
			}
		}
	}
}

// process decodes, handles and settles one delivery
func (c *Consumer) process(ctx context.Context, d *Delivery) error {
	c.state.Store(int32(LoopProcessing))
	c.received.Add(1)
	start := time.Now()

	body, err := c.decoder(d)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Warn("failed to decode delivery",
			"deliveryTag", d.DeliveryTag,
			"redelivered", d.Redelivered,
			"error", err)
		return c.settle(d, OutcomeDecodeError, start)
	}

	if err := c.invoke(ctx, body, d); err != nil {
		c.logger.Warn("handler failed, requeueing",
			"deliveryTag", d.DeliveryTag,
			"error", err)
		return c.settle(d, OutcomeNacked, start)
	}

	return c.settle(d, OutcomeAcked, start)
}

// invoke runs the handler, turning a panic into an error
func (c *Consumer) invoke(ctx context.Context, body string, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body, d)
}

func (c *Consumer) settle(d *Delivery, outcome Outcome, start time.Time) error {
	// The handler settled the delivery itself.
	if d.Settled() {
		if d.Acked() {
			c.finish(d, OutcomeAcked, start)
		} else {
			c.finish(d, OutcomeNacked, start)
		}
		return nil
	}

	if outcome == OutcomeAcked {
		if err := c.ch.Ack(d); err != nil {
			return c.consumerError("ack", err)
		}
	} else if err := c.ch.Nack(d, true); err != nil {
		return c.consumerError("nack", err)
	}

	c.finish(d, outcome, start)
	return nil
}

func (c *Consumer) finish(d *Delivery, outcome Outcome, start time.Time) {
	if outcome == OutcomeAcked {
		c.acked.Add(1)
		c.state.Store(int32(LoopAcked))
	} else {
		c.nacked.Add(1)
		c.state.Store(int32(LoopNacked))
	}
	c.recorder.DeliverySettled(c.queue, d.ConsumerTag, outcome, time.Since(start))
	c.state.Store(int32(LoopReceiving))
}

// streamEnded works out why the delivery stream closed
func (c *Consumer) streamEnded(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	select {
	case <-c.ch.Done():
	case <-time.After(closeSettle):
		// The broker cancelled the consumer but left the channel open,
		// e.g. because the queue was deleted.
		return c.consumerError("receive", ErrConsumerClosed)
	}

	if err := c.ch.Err(); err != nil {
		return c.consumerError("receive", err)
	}
	return nil
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Close stops the loop and closes the consumer's channel
func (c *Consumer) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.state.Store(int32(LoopClosed))
	return c.ch.Close()
}
