package memorybroker

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// maxChannels mirrors RabbitMQ's default channel_max
const maxChannels = 2047

// Connection is one client session on the broker
type Connection struct {
	broker *Broker

	// guarded by broker.mu
	channels    map[uint16]*Channel
	nextID      uint16
	closed      bool
	closeNotify []chan *amqp.Error
}

// Channel opens a new channel
func (c *Connection) Channel() (rabbitmq.AMQPChannel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if len(c.channels) >= maxChannels {
		return nil, amqp.ErrChannelMax
	}

	id := c.nextID + 1
	for ; ; id++ {
		if id == 0 {
			continue
		}
		if _, taken := c.channels[id]; !taken {
			break
		}
	}
	c.nextID = id

	ch := &Channel{
		id:        id,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unackedEntry),
	}
	c.channels[id] = ch
	return ch, nil
}

// NotifyClose registers a listener for the end of the connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

// IsClosed reports whether the connection has ended
func (c *Connection) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

// Close closes every channel and then the connection
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// shutdownLocked ends the session; a nil err is a graceful close
func (c *Connection) shutdownLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.shutdownLocked(err)
	}

	b := c.broker
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	delete(b.connections, c)

	for _, receiver := range c.closeNotify {
		notify(receiver, err)
	}
	c.closeNotify = nil

	if err != nil {
		b.logger.Debug("memory broker connection dropped", "reason", err.Reason)
	}
}
