package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// ErrNotStarted is returned when the coordinator has no running loops
var ErrNotStarted = errors.New("patterns: coordinator not started")

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("patterns: coordinator already started")

// Coordinator runs one consumer loop per subscription, each on its own
// channel, as a supervised group. A failing loop is reported through Wait
// and stops only itself unless its error is fatal to the run.
type Coordinator struct {
	conn     *rabbitmq.ConnectionManager
	handler  rabbitmq.Handler
	logger   *slog.Logger
	recorder rabbitmq.Recorder

	mu        sync.Mutex
	started   bool
	consumers []*rabbitmq.Consumer
	cancel    context.CancelFunc
	done      chan struct{}
	errs      []error
}

// CoordinatorOption configures the coordinator
type CoordinatorOption func(*Coordinator)

// WithHandler sets the handler used by subscriptions without their own
func WithHandler(handler rabbitmq.Handler) CoordinatorOption {
	return func(c *Coordinator) {
		c.handler = handler
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithRecorder sets the metrics recorder handed to every loop
func WithRecorder(recorder rabbitmq.Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// NewCoordinator creates a coordinator on conn
func NewCoordinator(conn *rabbitmq.ConnectionManager, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		conn:   conn,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.handler == nil {
		c.handler = LogHandler(c.logger)
	}
	return c
}

// LogHandler logs every payload it receives
func LogHandler(logger *slog.Logger) rabbitmq.Handler {
	return func(_ context.Context, body string, d *rabbitmq.Delivery) error {
		logger.Info("message received",
			"consumerTag", d.ConsumerTag,
			"queue", d.Queue,
			"body", body)
		return nil
	}
}

// Start opens a channel per subscription and subscribes every loop. It
// returns once all loops are subscribed; if any subscription fails, the
// ones already opened are closed and the error is returned. The loops run
// until ctx ends, Shutdown is called, or their channel closes.
func (c *Coordinator) Start(ctx context.Context, subs ...Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if len(subs) == 0 {
		return fmt.Errorf("%w: no subscriptions", rabbitmq.ErrInvalidConfiguration)
	}

	consumers := make([]*rabbitmq.Consumer, 0, len(subs))
	abort := func(err error) error {
		for _, cons := range consumers {
			_ = cons.Close()
		}
		c.logger.Error("failed to start consumers", "error", err)
		return err
	}

	for _, sub := range subs {
		cons, err := c.subscribe(ctx, sub)
		if err != nil {
			return abort(err)
		}
		consumers = append(consumers, cons)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.consumers = consumers
	c.started = true

	var group errgroup.Group
	for _, cons := range consumers {
		cons := cons
		group.Go(func() error {
			return c.supervise(runCtx, cons)
		})
	}

	go func() {
		_ = group.Wait()
		cancel()
		close(c.done)
	}()

	c.logger.Info("consumers started", "count", len(consumers))
	return nil
}

func (c *Coordinator) subscribe(ctx context.Context, sub Subscription) (*rabbitmq.Consumer, error) {
	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}

	handler := sub.Handler
	if handler == nil {
		handler = c.handler
	}

	opts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerTag(sub.ConsumerTag),
		rabbitmq.WithPrefetchCount(sub.Prefetch),
		rabbitmq.WithConsumerLogger(c.logger),
	}
	if c.recorder != nil {
		opts = append(opts, rabbitmq.WithConsumerRecorder(c.recorder))
	}

	cons, err := rabbitmq.NewConsumer(ch, sub.Queue, handler, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	if err := cons.Subscribe(ctx); err != nil {
		_ = cons.Close()
		return nil, err
	}
	return cons, nil
}

// supervise runs one loop, turning a panic into an error. A fatal error
// cancels the other loops as well.
func (c *Coordinator) supervise(ctx context.Context, cons *rabbitmq.Consumer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s on %s panicked: %v", cons.ConsumerTag(), cons.Queue(), r)
			c.logger.Error("consumer panicked",
				"consumerTag", cons.ConsumerTag(),
				"queue", cons.Queue(),
				"panic", r,
				"stack", string(debug.Stack()))
		}

		if closeErr := cons.Close(); closeErr != nil && !errors.Is(closeErr, rabbitmq.ErrChannelClosed) {
			c.logger.Debug("failed to close consumer channel", "consumerTag", cons.ConsumerTag(), "error", closeErr)
		}

		if err != nil {
			c.record(err)
			if rabbitmq.IsFatal(err) {
				c.cancel()
			}
		}
	}()

	err = cons.Run(ctx)
	if err != nil {
		c.logger.Error("consumer stopped with error",
			"consumerTag", cons.ConsumerTag(),
			"queue", cons.Queue(),
			"scope", rabbitmq.ScopeOf(err),
			"error", err)
	}
	return err
}

func (c *Coordinator) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// Done is closed once every loop has ended
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until every loop has ended and returns all their errors
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	<-c.done
	return c.Err()
}

// Err returns the errors of the loops that have ended so far
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

// Shutdown signals every loop to stop and waits for them, or for ctx
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	started, cancel := c.started, c.cancel
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	cancel()

	select {
	case <-c.done:
		c.logger.Info("consumers stopped")
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunFor keeps the loops running for window, until ctx ends, or until all
// loops have stopped on their own, then shuts them down. A zero window
// waits for ctx alone.
func (c *Coordinator) RunFor(ctx context.Context, window time.Duration) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var expired <-chan time.Time
	if window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-expired:
		c.logger.Info("observation window elapsed", "window", window)
	case <-ctx.Done():
	case <-c.done:
	}

	return c.Shutdown(context.WithoutCancel(ctx))
}

// Stats returns a snapshot of every loop's counters
func (c *Coordinator) Stats() []rabbitmq.ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make([]rabbitmq.ConsumerStats, 0, len(c.consumers))
	for _, cons := range c.consumers {
		stats = append(stats, cons.Stats())
	}
	return stats
}
