package memorybroker

import (
	"reflect"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	queue string
	key   string
	args  amqp.Table
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	internal   bool
	builtin    bool
	bindings   []binding
}

func (e *exchange) bound(queue, key string) bool {
	for _, b := range e.bindings {
		if b.queue == queue && b.key == key {
			return true
		}
	}
	return false
}

// route returns the names of the queues a message with key and headers
// reaches, each at most once
func (e *exchange) route(key string, headers amqp.Table) []string {
	var matched []string
	seen := make(map[string]bool)

	for _, b := range e.bindings {
		if seen[b.queue] {
			continue
		}

		var ok bool
		switch e.kind {
		case amqp.ExchangeFanout:
			ok = true
		case amqp.ExchangeDirect:
			ok = b.key == key
		case amqp.ExchangeTopic:
			ok = topicMatch(b.key, key)
		case amqp.ExchangeHeaders:
			ok = headersMatch(b.args, headers)
		}

		if ok {
			seen[b.queue] = true
			matched = append(matched, b.queue)
		}
	}

	return matched
}

// topicMatch matches a routing key against a binding pattern where "*"
// stands for one word and "#" for zero or more
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// headersMatch applies the x-match rule of a headers binding; "all" is
// the default
func headersMatch(args, headers amqp.Table) bool {
	mode, _ := args["x-match"].(string)
	matchAny := mode == "any" || mode == "any-with-x"

	matched := 0
	total := 0
	for k, want := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		total++
		if got, ok := headers[k]; ok && reflect.DeepEqual(got, want) {
			matched++
		}
	}

	if matchAny {
		return matched > 0
	}
	return matched == total
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Connection

	ready     []*message
	consumers []*consumer
	next      int
}

// nextConsumer picks the next consumer with spare prefetch capacity in
// round-robin order, or nil
func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(target *consumer) {
	for i, c := range q.consumers {
		if c == target {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next > i {
				q.next--
			}
			if len(q.consumers) == 0 || q.next >= len(q.consumers) {
				q.next = 0
			}
			return
		}
	}
}

type consumer struct {
	tag      string
	queue    string
	channel  *Channel
	autoAck  bool
	prefetch int
	unacked  int
	stream   *pump[amqp.Delivery]
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch == 0 || c.unacked < c.prefetch
}

func builtinExchanges() map[string]*exchange {
	exchanges := make(map[string]*exchange)
	for name, kind := range map[string]string{
		"":            amqp.ExchangeDirect,
		"amq.direct":  amqp.ExchangeDirect,
		"amq.fanout":  amqp.ExchangeFanout,
		"amq.topic":   amqp.ExchangeTopic,
		"amq.headers": amqp.ExchangeHeaders,
		"amq.match":   amqp.ExchangeHeaders,
	} {
		exchanges[name] = &exchange{name: name, kind: kind, durable: true, builtin: true}
	}
	return exchanges
}
