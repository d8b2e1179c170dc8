package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// ErrIncomplete is returned when the observation window ends before every
// queue acknowledged the expected number of messages
var ErrIncomplete = errors.New("patterns: expected deliveries not received")

// Report summarises a consume phase
type Report struct {
	Pattern   string
	Consumers []rabbitmq.ConsumerStats
	Duration  time.Duration
}

// Acked returns the acknowledged deliveries of queue across its consumers
func (r Report) Acked(queue string) int64 {
	var n int64
	for _, s := range r.Consumers {
		if s.Queue == queue {
			n += s.Acked
		}
	}
	return n
}

// Runner drives one pattern against a connection: declare, send, consume
type Runner struct {
	conn           *rabbitmq.ConnectionManager
	pattern        Pattern
	logger         *slog.Logger
	recorder       rabbitmq.Recorder
	handler        rabbitmq.Handler
	payload        rabbitmq.PayloadTemplate
	confirmTimeout time.Duration
}

// RunnerOption configures the runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithRunnerRecorder sets the metrics recorder
func WithRunnerRecorder(recorder rabbitmq.Recorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = recorder
	}
}

// WithRunnerHandler replaces the logging handler of the consumers
func WithRunnerHandler(handler rabbitmq.Handler) RunnerOption {
	return func(r *Runner) {
		r.handler = handler
	}
}

// WithPayload replaces the message template
func WithPayload(tmpl rabbitmq.PayloadTemplate) RunnerOption {
	return func(r *Runner) {
		r.payload = tmpl
	}
}

// WithPublisherConfirms makes Send wait for broker confirms
func WithPublisherConfirms(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		r.confirmTimeout = timeout
	}
}

// NewRunner creates a runner for pattern
func NewRunner(conn *rabbitmq.ConnectionManager, pattern Pattern, options ...RunnerOption) *Runner {
	r := &Runner{
		conn:    conn,
		pattern: pattern,
		logger:  slog.Default(),
		payload: rabbitmq.TextTemplate(rabbitmq.DefaultPayloadFormat),
	}

	for _, opt := range options {
		opt(r)
	}

	r.logger = r.logger.With("pattern", pattern.Name)
	return r
}

// Pattern returns the pattern the runner drives
func (r *Runner) Pattern() Pattern {
	return r.pattern
}

// Declare validates and declares the pattern's topology on a channel of
// its own. Nothing may be sent or consumed if this fails.
func (r *Runner) Declare(ctx context.Context) error {
	if err := r.pattern.Validate(); err != nil {
		return &rabbitmq.TopologyError{Component: "pattern", Name: r.pattern.Name, Op: "validate", Err: err, Timestamp: time.Now()}
	}

	ch, err := r.conn.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	tm := rabbitmq.NewTopologyManager(ch, rabbitmq.WithTopologyLogger(r.logger))
	return tm.DeclareTopology(ctx, r.pattern.Topology)
}

// Send publishes count messages along the pattern's route
func (r *Runner) Send(ctx context.Context, count int) (rabbitmq.BatchResult, error) {
	ch, err := r.conn.OpenChannel(ctx)
	if err != nil {
		return rabbitmq.BatchResult{}, err
	}

	opts := []rabbitmq.PublisherOption{
		rabbitmq.WithPersistence(r.pattern.Persistent),
		rabbitmq.WithPublisherLogger(r.logger),
	}
	if r.recorder != nil {
		opts = append(opts, rabbitmq.WithPublisherRecorder(r.recorder))
	}
	if r.confirmTimeout > 0 {
		opts = append(opts, rabbitmq.WithConfirms(r.confirmTimeout))
	}

	pub, err := rabbitmq.NewPublisher(ch, opts...)
	if err != nil {
		_ = ch.Close()
		return rabbitmq.BatchResult{}, err
	}
	defer pub.Close()

	route := r.pattern.Route
	return pub.SendBatchTo(ctx, route.Exchange, route.RoutingKey, count, r.payload)
}

// Consume runs the pattern's consumers. With expect > 0 it returns as
// soon as every queue has acknowledged expect messages, and fails with
// ErrIncomplete if window elapses first. Otherwise it runs for window, or
// until ctx ends when window is 0.
func (r *Runner) Consume(ctx context.Context, window time.Duration, expect int) (Report, error) {
	session, err := r.startConsumers(ctx, expect)
	if err != nil {
		return Report{}, err
	}
	return session.await(ctx, window)
}

// Run declares the topology, starts the consumers, sends count messages
// and waits until every queue acknowledged all of them or window elapses.
func (r *Runner) Run(ctx context.Context, count int, window time.Duration) (Report, error) {
	if err := r.Declare(ctx); err != nil {
		return Report{}, err
	}

	session, err := r.startConsumers(ctx, count)
	if err != nil {
		return Report{}, err
	}

	if _, err := r.Send(ctx, count); err != nil {
		shutdownErr := session.coord.Shutdown(context.WithoutCancel(ctx))
		return session.report(), errors.Join(err, shutdownErr)
	}

	return session.await(ctx, window)
}

type consumeSession struct {
	runner   *Runner
	coord    *Coordinator
	progress *progress
	started  time.Time
}

func (r *Runner) startConsumers(ctx context.Context, expect int) (*consumeSession, error) {
	prog := newProgress(r.pattern.Queues(), expect, r.recorder)

	opts := []CoordinatorOption{
		WithLogger(r.logger),
		WithRecorder(prog),
	}
	if r.handler != nil {
		opts = append(opts, WithHandler(r.handler))
	}

	coord := NewCoordinator(r.conn, opts...)
	if err := coord.Start(ctx, r.pattern.Subscriptions...); err != nil {
		return nil, err
	}

	return &consumeSession{runner: r, coord: coord, progress: prog, started: time.Now()}, nil
}

func (s *consumeSession) await(ctx context.Context, window time.Duration) (Report, error) {
	if s.progress.expect <= 0 {
		err := s.coord.RunFor(ctx, window)
		return s.report(), err
	}

	var expired <-chan time.Time
	if window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
		expired = timer.C
	}

	var incomplete error
	select {
	case <-s.progress.reached:
	case <-expired:
		incomplete = fmt.Errorf("%w: %s after %s", ErrIncomplete, s.progress, window)
	case <-ctx.Done():
		incomplete = fmt.Errorf("%w: %s: %w", ErrIncomplete, s.progress, ctx.Err())
	case <-s.coord.Done():
		incomplete = fmt.Errorf("%w: %s, all consumers stopped", ErrIncomplete, s.progress)
	}

	err := s.coord.Shutdown(context.WithoutCancel(ctx))
	report := s.report()
	if incomplete != nil {
		s.runner.logger.Error("consume incomplete", "error", incomplete)
	}
	return report, errors.Join(incomplete, err)
}

func (s *consumeSession) report() Report {
	return Report{
		Pattern:   s.runner.pattern.Name,
		Consumers: s.coord.Stats(),
		Duration:  time.Since(s.started),
	}
}

// progress counts acknowledgements per queue and closes reached once every
// queue has expect of them. It forwards to the next recorder.
type progress struct {
	next   rabbitmq.Recorder
	expect int

	mu      sync.Mutex
	acked   map[string]int
	pending int
	reached chan struct{}
}

func newProgress(queues []string, expect int, next rabbitmq.Recorder) *progress {
	p := &progress{
		next:    next,
		expect:  expect,
		acked:   make(map[string]int, len(queues)),
		pending: len(queues),
		reached: make(chan struct{}),
	}
	for _, q := range queues {
		p.acked[q] = 0
	}
	if expect <= 0 {
		p.pending = 0
	}
	return p
}

func (p *progress) MessagePublished(exchange string) {
	if p.next != nil {
		p.next.MessagePublished(exchange)
	}
}

func (p *progress) DeliverySettled(queue, consumerTag string, outcome rabbitmq.Outcome, elapsed time.Duration) {
	if p.next != nil {
		p.next.DeliverySettled(queue, consumerTag, outcome, elapsed)
	}
	if outcome != rabbitmq.OutcomeAcked || p.expect <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n, tracked := p.acked[queue]
	if !tracked {
		return
	}
	n++
	p.acked[queue] = n
	if n == p.expect {
		p.pending--
		if p.pending == 0 {
			close(p.reached)
		}
	}
}

func (p *progress) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("acked %v of %d per queue", p.acked, p.expect)
}
