package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel wraps an AMQP channel for exactly one owner. It is not safe for
// concurrent use; a producer and each consumer open their own.
type Channel struct {
	id     uint16
	raw    AMQPChannel
	conn   *ConnectionManager
	logger *slog.Logger

	prefetch int

	mu       sync.Mutex
	closed   bool
	closeErr error
	done     chan struct{}
}

func newChannel(conn *ConnectionManager, id uint16, raw AMQPChannel, logger *slog.Logger) *Channel {
	ch := &Channel{
		id:     id,
		raw:    raw,
		conn:   conn,
		logger: logger.With("channel", id),
		done:   make(chan struct{}),
	}

	notify := raw.NotifyClose(make(chan *amqp.Error, 1))
	go ch.watch(notify)

	return ch
}

// ID returns the channel number, unique within its ConnectionManager
func (c *Channel) ID() uint16 {
	return c.id
}

// Prefetch returns the QoS limit; 0 means unlimited
func (c *Channel) Prefetch() int {
	return c.prefetch
}

// Done is closed once the channel is closed for any reason
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the channel can still be used
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.raw.IsClosed()
}

// Err returns the broker's reason for closing the channel, nil after a
// graceful close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// DeclareExchange idempotently declares an exchange. A redeclaration with a
// different kind or durability fails with ErrDeclarationConflict and, as
// in AMQP, closes the channel.
func (c *Channel) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if err := c.ready(ctx); err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	err := c.raw.ExchangeDeclare(
		exchange.Name,
		exchange.Kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       classifyAMQPError(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue idempotently declares a queue
func (c *Channel) DeclareQueue(ctx context.Context, queue QueueDeclaration) (Queue, error) {
	if err := c.ready(ctx); err != nil {
		return Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	q, err := c.raw.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       classifyAMQPError(err),
			Timestamp: time.Now(),
		}
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// BindQueue binds a queue to an exchange. Binding twice is a no-op; a
// missing queue or exchange fails with *BindError.
func (c *Channel) BindQueue(ctx context.Context, binding Binding) error {
	if err := c.ready(ctx); err != nil {
		return &BindError{Queue: binding.Queue, Exchange: binding.Exchange, RoutingKey: binding.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	err := c.raw.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &BindError{
			Queue:      binding.Queue,
			Exchange:   binding.Exchange,
			RoutingKey: binding.RoutingKey,
			Err:        classifyAMQPError(err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// InspectQueue passively declares a queue and returns its counters
func (c *Channel) InspectQueue(ctx context.Context, name string) (Queue, error) {
	if err := c.ready(ctx); err != nil {
		return Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	q, err := c.raw.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return Queue{}, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       classifyAMQPError(err),
			Timestamp: time.Now(),
		}
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// InspectExchange passively declares an exchange to check it exists
func (c *Channel) InspectExchange(ctx context.Context, name, kind string) error {
	if err := c.ready(ctx); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	if err := c.raw.ExchangeDeclarePassive(name, kind, true, false, false, false, nil); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      name,
			Op:        "inspect",
			Err:       classifyAMQPError(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}

// SetPrefetch limits how many unacknowledged deliveries the broker pushes
// to this channel. Call it before Consume.
func (c *Channel) SetPrefetch(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	}
	if c.IsClosed() {
		return c.channelError("qos", ErrChannelClosed)
	}

	if err := c.raw.Qos(count, 0, false); err != nil {
		return c.channelError("qos", classifyAMQPError(err))
	}
	c.prefetch = count
	return nil
}

// Publish sends msg without waiting for the broker. A closed channel fails
// immediately with ErrChannelClosed; nothing is retried.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if c.IsClosed() {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Index:      msg.Index,
			Err:        ErrChannelClosed,
			Timestamp:  time.Now(),
		}
	}

	if err := c.raw.PublishWithContext(ctx, exchange, routingKey, false, false, msg.publishing()); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Index:      msg.Index,
			Err:        classifyAMQPError(err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// EnableConfirms puts the channel in confirm mode and returns the stream of
// broker confirmations, buffered for size outstanding publishes.
func (c *Channel) EnableConfirms(size int) (<-chan amqp.Confirmation, error) {
	if c.IsClosed() {
		return nil, c.channelError("confirm", ErrChannelClosed)
	}

	confirms := c.raw.NotifyPublish(make(chan amqp.Confirmation, size))
	if err := c.raw.Confirm(false); err != nil {
		return nil, c.channelError("confirm", classifyAMQPError(err))
	}
	return confirms, nil
}

// Consume registers consumerTag on queue and returns its deliveries. The
// stream is lazy and unbounded: it closes only when the channel or the
// connection closes, or when ctx is cancelled (the consumer is cancelled on
// the broker and undelivered messages go back to the queue).
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan *Delivery, error) {
	if err := c.ready(ctx); err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	source, err := c.raw.Consume(
		queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          "consume",
			Err:         classifyAMQPError(err),
			Timestamp:   time.Now(),
		}
	}

	out := make(chan *Delivery)
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			if !c.IsClosed() {
				if err := c.raw.Cancel(consumerTag, false); err != nil {
					c.logger.Warn("failed to cancel consumer", "consumerTag", consumerTag, "error", err)
				}
			}
		case <-stop:
		}
	}()

	go func() {
		defer close(out)
		defer close(stop)

		for d := range source {
			delivery := newDelivery(c, queue, d)
			select {
			case out <- delivery:
			case <-ctx.Done():
				// Nobody is receiving any more; hand the message back.
				if err := d.Nack(false, true); err != nil {
					c.logger.Debug("failed to requeue undelivered message", "deliveryTag", d.DeliveryTag, "error", err)
				}
			}
		}
	}()

	return out, nil
}

// Ack acknowledges a delivery received on this channel
func (c *Channel) Ack(d *Delivery) error {
	if d == nil {
		return ErrInvalidDelivery
	}
	if d.channel != c {
		return ErrForeignDelivery
	}
	return d.Ack()
}

// Nack negatively acknowledges a delivery received on this channel
func (c *Channel) Nack(d *Delivery, requeue bool) error {
	if d == nil {
		return ErrInvalidDelivery
	}
	if d.channel != c {
		return ErrForeignDelivery
	}
	return d.Nack(requeue)
}

// Close closes the channel. Unacknowledged deliveries return to their queues.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.conn.release(c.id)

	if c.raw.IsClosed() {
		return nil
	}
	if err := c.raw.Close(); err != nil {
		return c.channelError("close", classifyAMQPError(err))
	}
	return nil
}

// watch records why the broker closed the channel
func (c *Channel) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	c.mu.Lock()
	if ok && amqpErr != nil {
		c.closeErr = classifyAMQPError(amqpErr)
	}
	alreadyClosed := c.closed
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()

	if alreadyClosed {
		return
	}

	c.conn.release(c.id)
	if ok && amqpErr != nil {
		c.logger.Warn("channel closed by broker", "error", c.closeErr)
	}
}

func (c *Channel) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) channelError(op string, err error) error {
	return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
}
