// Package memorybroker is an in-process AMQP 0-9-1 broker covering the
// semantics the harness relies on: idempotent declares, direct, fanout,
// topic and headers routing, per-consumer prefetch, round-robin dispatch,
// acknowledgements with requeue, publisher confirms and close
// notifications. It backs the tests and the CLI's --in-memory mode.
//
// The whole broker state sits behind one mutex. Deliveries and
// confirmations leave through unbounded pumps, so no client call ever
// blocks while the lock is held.
package memorybroker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// ErrUnavailable is returned by Dial while the broker is marked down
var ErrUnavailable = errors.New("memorybroker: broker unavailable")

// Broker is an in-memory AMQP broker
type Broker struct {
	logger   *slog.Logger
	username string
	password string

	mu          sync.Mutex
	exchanges   map[string]*exchange
	queues      map[string]*queue
	connections map[*Connection]struct{}
	unavailable bool
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithCredentials makes Dial refuse any other username and password
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

// New creates an empty broker with the amq.* exchanges predeclared
func New(options ...Option) *Broker {
	b := &Broker{
		logger:      slog.Default(),
		exchanges:   builtinExchanges(),
		queues:      make(map[string]*queue),
		connections: make(map[*Connection]struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Dial opens a connection. It has the rabbitmq.Dialer signature.
func (b *Broker) Dial(url string, _ amqp.Config) (rabbitmq.Connection, error) {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable {
		return nil, fmt.Errorf("dial %s:%d: %w", uri.Host, uri.Port, ErrUnavailable)
	}
	if b.username != "" && (uri.Username != b.username || uri.Password != b.password) {
		return nil, amqp.ErrCredentials
	}

	conn := &Connection{
		broker:   b,
		channels: make(map[uint16]*Channel),
	}
	b.connections[conn] = struct{}{}

	b.logger.Debug("memory broker connection opened", "vhost", uri.Vhost)
	return conn, nil
}

// SetAvailable controls whether Dial succeeds
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = !available
}

// DropConnections ends every open connection with reason, the way a
// network failure or a broker restart would.
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	amqpErr := &amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true}
	for conn := range b.connections {
		conn.shutdownLocked(amqpErr)
	}
}

// QueueInfo is a snapshot of one queue
type QueueInfo struct {
	Name      string
	Durable   bool
	Ready     int
	Unacked   int
	Consumers int
}

// Queue returns a snapshot of the named queue
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}

	info := QueueInfo{
		Name:      q.name,
		Durable:   q.durable,
		Ready:     len(q.ready),
		Consumers: len(q.consumers),
	}
	for conn := range b.connections {
		for _, ch := range conn.channels {
			for _, u := range ch.unacked {
				if u.queue == name {
					info.Unacked++
				}
			}
		}
	}
	return info, true
}

// ExchangeKind returns the kind of the named exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(exchange, queue, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchange]
	return ok && ex.bound(queue, key)
}

// ConnectionCount returns the number of open connections
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// publishLocked routes a message and returns the number of queues it reached
func (b *Broker) publishLocked(ex *exchange, key string, msg amqp.Publishing) int {
	var targets []string
	if ex.name == "" {
		if _, ok := b.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		targets = ex.route(key, msg.Headers)
	}

	for _, name := range targets {
		q := b.queues[name]
		q.ready = append(q.ready, &message{
			exchange:   ex.name,
			routingKey: key,
			publishing: msg,
		})
		b.dispatchLocked(q)
	}
	return len(targets)
}

// dispatchLocked hands ready messages to consumers with spare capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]

		c.channel.deliverLocked(c, msg)
	}
}

// requeueLocked puts messages back at the head of their queues, oldest
// first, flagged as redelivered
func (b *Broker) requeueLocked(entries []unackedEntry) {
	touched := make(map[*queue]bool)

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		q, ok := b.queues[e.queue]
		if !ok {
			continue
		}
		e.msg.redelivered = true
		q.ready = append([]*message{e.msg}, q.ready...)
		touched[q] = true
	}

	for q := range touched {
		b.dispatchLocked(q)
	}
}

// deleteQueueLocked removes a queue and its bindings, cancelling consumers
func (b *Broker) deleteQueueLocked(q *queue) {
	for _, c := range q.consumers {
		c.channel.dropConsumerLocked(c)
		c.stream.finish()
	}
	q.consumers = nil
	delete(b.queues, q.name)

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// notify delivers err to a close listener and closes it without ever
// blocking the caller
func notify(c chan *amqp.Error, err *amqp.Error) {
	if err == nil {
		close(c)
		return
	}

	select {
	case c <- err:
		close(c)
	default:
		go func() {
			c <- err
			close(c)
		}()
	}
}

func channelException(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}
