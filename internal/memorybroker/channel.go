package memorybroker

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

type unackedEntry struct {
	tag      uint64
	queue    string
	consumer *consumer
	msg      *message
}

// Channel is one AMQP channel on a Connection. It implements
// rabbitmq.AMQPChannel and amqp.Acknowledger.
type Channel struct {
	id   uint16
	conn *Connection

	// guarded by conn.broker.mu
	closed      bool
	prefetch    int
	confirm     bool
	publishSeq  uint64
	deliveryTag uint64
	consumers   map[string]*consumer
	unacked     map[uint64]unackedEntry
	confirms    []*pump[amqp.Confirmation]
	closeNotify []chan *amqp.Error
}

var (
	_ rabbitmq.AMQPChannel = (*Channel)(nil)
	_ amqp.Acknowledger    = (*Channel)(nil)
)

func (ch *Channel) broker() *Broker {
	return ch.conn.broker
}

// ExchangeDeclare declares an exchange or checks an existing one matches
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, _ bool, _ amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return ch.failLocked(channelException(amqp.AccessRefused,
			"ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", name))
	}

	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return ch.failLocked(channelException(amqp.CommandInvalid,
			"COMMAND_INVALID - invalid exchange type '%s'", kind))
	}

	if ex, ok := b.exchanges[name]; ok {
		switch {
		case ex.kind != kind:
			return ch.failLocked(inequivalent("type", "exchange", name, ex.kind, kind))
		case ex.durable != durable:
			return ch.failLocked(inequivalent("durable", "exchange", name, ex.durable, durable))
		case ex.autoDelete != autoDelete:
			return ch.failLocked(inequivalent("auto_delete", "exchange", name, ex.autoDelete, autoDelete))
		case ex.internal != internal:
			return ch.failLocked(inequivalent("internal", "exchange", name, ex.internal, internal))
		}
		return nil
	}

	b.exchanges[name] = &exchange{
		name:       name,
		kind:       kind,
		durable:    durable,
		autoDelete: autoDelete,
		internal:   internal,
	}
	return nil
}

// ExchangeDeclarePassive checks the exchange exists
func (ch *Channel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(notFound("exchange", name))
	}
	return nil
}

// QueueDeclare declares a queue or checks an existing one matches. An
// empty name gets a generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if strings.HasPrefix(name, "amq.") {
		return amqp.Queue{}, ch.failLocked(channelException(amqp.AccessRefused,
			"ACCESS_REFUSED - queue name '%s' contains reserved prefix 'amq.*'", name))
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[name]; ok {
		if err := ch.checkOwnerLocked(q); err != nil {
			return amqp.Queue{}, err
		}
		switch {
		case q.durable != durable:
			return amqp.Queue{}, ch.failLocked(inequivalent("durable", "queue", name, q.durable, durable))
		case q.autoDelete != autoDelete:
			return amqp.Queue{}, ch.failLocked(inequivalent("auto_delete", "queue", name, q.autoDelete, autoDelete))
		case q.exclusive != exclusive:
			return amqp.Queue{}, ch.failLocked(inequivalent("exclusive", "queue", name, q.exclusive, exclusive))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive returns the counters of an existing queue
func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(notFound("queue", name))
	}
	if err := ch.checkOwnerLocked(q); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange; an existing binding is a no-op
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if exchangeName == "" {
		return ch.failLocked(channelException(amqp.AccessRefused,
			"ACCESS_REFUSED - operation not permitted on the default exchange"))
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(notFound("exchange", exchangeName))
	}
	q, ok := b.queues[name]
	if !ok {
		return ch.failLocked(notFound("queue", name))
	}
	if err := ch.checkOwnerLocked(q); err != nil {
		return err
	}

	if !ex.bound(name, key) {
		ex.bindings = append(ex.bindings, binding{queue: name, key: key, args: args})
	}
	return nil
}

// Qos sets the prefetch count for consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if prefetchSize != 0 {
		return ch.failLocked(channelException(amqp.NotImplemented,
			"NOT_IMPLEMENTED - prefetch_size!=0 (%d)", prefetchSize))
	}
	if prefetchCount < 0 || prefetchCount > 65535 {
		return ch.failLocked(channelException(amqp.SyntaxError,
			"SYNTAX_ERROR - prefetch_count out of range (%d)", prefetchCount))
	}
	ch.prefetch = prefetchCount
	return nil
}

// PublishWithContext routes msg. As on a real broker a missing exchange
// closes the channel asynchronously instead of failing the call.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if immediate {
		ch.shutdownLocked(channelException(amqp.NotImplemented, "NOT_IMPLEMENTED - immediate=true"))
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		ch.shutdownLocked(notFound("exchange", exchangeName))
		return nil
	}

	msg.Body = append([]byte(nil), msg.Body...)
	b.publishLocked(ex, key, msg)

	if ch.confirm {
		ch.publishSeq++
		for _, p := range ch.confirms {
			p.push(amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true})
		}
	}
	return nil
}

// Consume starts a consumer on queue. An empty tag gets a generated one.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(notFound("queue", queueName))
	}
	if err := ch.checkOwnerLocked(q); err != nil {
		return nil, err
	}

	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(channelException(amqp.NotAllowed,
			"NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, ch.failLocked(channelException(amqp.AccessRefused,
			"ACCESS_REFUSED - queue '%s' in vhost '/' in exclusive use", queueName))
	}

	c := &consumer{
		tag:      tag,
		queue:    queueName,
		channel:  ch,
		autoAck:  autoAck,
		prefetch: ch.prefetch,
		stream:   newPump(make(chan amqp.Delivery)),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)

	b.dispatchLocked(q)
	return c.stream.out, nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay with the
// channel until settled or the channel closes.
func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	ch.dropConsumerLocked(c)
	c.stream.finish()

	if q, ok := b.queues[c.queue]; ok {
		q.removeConsumer(c)
		if q.autoDelete && len(q.consumers) == 0 {
			b.deleteQueueLocked(q)
		}
	}
	return nil
}

// Confirm puts the channel in confirm mode
func (ch *Channel) Confirm(_ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish registers a listener for publisher confirms
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, newPump(confirm))
	return confirm
}

// NotifyClose registers a listener for the end of the channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

// IsClosed reports whether the channel has ended
func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel; unacknowledged deliveries are requeued
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := ch.takeLocked(tag, multiple)
	if err != nil {
		return err
	}
	ch.releaseLocked(entries)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := ch.takeLocked(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		b.requeueLocked(entries)
	}
	ch.releaseLocked(entries)
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// takeLocked removes the settled deliveries from the unacked set. An
// unknown tag is a channel error, as on a real broker.
func (ch *Channel) takeLocked(tag uint64, multiple bool) ([]unackedEntry, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	if !multiple {
		e, ok := ch.unacked[tag]
		if !ok {
			return nil, ch.failLocked(channelException(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		delete(ch.unacked, tag)
		return []unackedEntry{e}, nil
	}

	var entries []unackedEntry
	for t, e := range ch.unacked {
		if t <= tag {
			entries = append(entries, e)
			delete(ch.unacked, t)
		}
	}
	if len(entries) == 0 && tag != 0 {
		return nil, ch.failLocked(channelException(amqp.PreconditionFailed,
			"PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	sortEntries(entries)
	return entries, nil
}

// releaseLocked frees prefetch capacity and lets the queues dispatch again
func (ch *Channel) releaseLocked(entries []unackedEntry) {
	b := ch.broker()
	touched := make(map[string]bool)
	for _, e := range entries {
		e.consumer.unacked--
		touched[e.consumer.queue] = true
	}
	for name := range touched {
		if q, ok := b.queues[name]; ok {
			b.dispatchLocked(q)
		}
	}
}

// deliverLocked assigns msg to c under a new delivery tag
func (ch *Channel) deliverLocked(c *consumer, msg *message) {
	ch.deliveryTag++
	tag := ch.deliveryTag

	if !c.autoAck {
		ch.unacked[tag] = unackedEntry{tag: tag, queue: c.queue, consumer: c, msg: msg}
		c.unacked++
	}

	p := msg.publishing
	c.stream.push(amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            p.Body,
	})
}

func (ch *Channel) dropConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
}

// checkOwnerLocked refuses access to another connection's exclusive queue
func (ch *Channel) checkOwnerLocked(q *queue) error {
	if q.exclusive && q.owner != ch.conn {
		return ch.failLocked(channelException(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", q.name))
	}
	return nil
}

// failLocked closes the channel with a channel exception and returns it
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.shutdownLocked(err)
	return err
}

// shutdownLocked ends the channel; a nil err is a graceful close
func (ch *Channel) shutdownLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	b := ch.broker()
	for _, c := range ch.consumers {
		c.stream.stop()
		if q, ok := b.queues[c.queue]; ok {
			q.removeConsumer(c)
			if q.autoDelete && len(q.consumers) == 0 {
				b.deleteQueueLocked(q)
			}
		}
	}
	ch.consumers = make(map[string]*consumer)

	entries := make([]unackedEntry, 0, len(ch.unacked))
	for _, e := range ch.unacked {
		entries = append(entries, e)
	}
	ch.unacked = make(map[uint64]unackedEntry)
	sortEntries(entries)
	b.requeueLocked(entries)

	for _, p := range ch.confirms {
		p.stop()
	}
	ch.confirms = nil

	for _, receiver := range ch.closeNotify {
		notify(receiver, err)
	}
	ch.closeNotify = nil

	delete(ch.conn.channels, ch.id)
}

func sortEntries(entries []unackedEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
}

func notFound(kind, name string) *amqp.Error {
	return channelException(amqp.NotFound, "NOT_FOUND - no %s '%s' in vhost '/'", kind, name)
}

func inequivalent(arg, kind, name string, current, requested any) *amqp.Error {
	return channelException(amqp.PreconditionFailed,
		"PRECONDITION_FAILED - inequivalent arg '%s' for %s '%s' in vhost '/': received '%v' but current is '%v'",
		arg, kind, name, requested, current)
}
