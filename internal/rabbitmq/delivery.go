package rabbitmq

import (
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderMessageIndex carries the publisher's batch index of a message
const HeaderMessageIndex = "x-message-index"

// Message is an application payload on its way to the broker
type Message struct {
	Body        []byte
	Persistent  bool
	Index       int
	MessageID   string
	ContentType string
	Headers     amqp.Table
	Timestamp   time.Time
}

func (m Message) publishing() amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[HeaderMessageIndex] = int64(m.Index)

	mode := amqp.Transient
	if m.Persistent {
		mode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  m.ContentType,
		DeliveryMode: mode,
		MessageId:    m.MessageID,
		Timestamp:    m.Timestamp,
		Body:         m.Body,
	}
}

const (
	settlePending int32 = iota
	settleAcked
	settleNacked
)

// Delivery is one message as received by one consumer. It can be settled
// exactly once; a second Ack or Nack fails with ErrAlreadyAcknowledged. A
// settlement the broker did not accept leaves the delivery pending.
type Delivery struct {
	Body        []byte
	Queue       string
	DeliveryTag uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	MessageID   string
	Persistent  bool
	Headers     amqp.Table
	Timestamp   time.Time

	raw     amqp.Delivery
	channel *Channel
	settled atomic.Int32
}

func newDelivery(ch *Channel, queue string, d amqp.Delivery) *Delivery {
	return &Delivery{
		Body:        d.Body,
		Queue:       queue,
		DeliveryTag: d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		MessageID:   d.MessageId,
		Persistent:  d.DeliveryMode == amqp.Persistent,
		Headers:     d.Headers,
		Timestamp:   d.Timestamp,
		raw:         d,
		channel:     ch,
	}
}

// Index returns the publisher's message index, if the header is present
func (d *Delivery) Index() (int, bool) {
	switch v := d.Headers[HeaderMessageIndex].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	}
	return 0, false
}

// Settled reports whether the delivery was acked or nacked
func (d *Delivery) Settled() bool {
	return d.settled.Load() != settlePending
}

// Acked reports whether the delivery was acknowledged
func (d *Delivery) Acked() bool {
	return d.settled.Load() == settleAcked
}

// Ack removes the message from its queue for good
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(settlePending, settleAcked) {
		return ErrAlreadyAcknowledged
	}
	if err := d.raw.Ack(false); err != nil {
		d.settled.Store(settlePending)
		return d.settleError("ack", err)
	}
	return nil
}

// Nack rejects the message, returning it to the queue when requeue is set
func (d *Delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(settlePending, settleNacked) {
		return ErrAlreadyAcknowledged
	}
	if err := d.raw.Nack(false, requeue); err != nil {
		d.settled.Store(settlePending)
		return d.settleError("nack", err)
	}
	return nil
}

func (d *Delivery) settleError(op string, err error) error {
	var id uint16
	if d.channel != nil {
		id = d.channel.id
	}
	return &ChannelError{Op: op, ChannelID: id, Err: classifyAMQPError(err), Timestamp: time.Now()}
}
