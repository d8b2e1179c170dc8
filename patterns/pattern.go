// Package patterns wires the rabbitmq building blocks into the three
// messaging shapes the harness demonstrates: direct delivery to one queue,
// a work queue shared by competing consumers, and fanout to independent
// queues.
package patterns

import (
	"fmt"
	"strings"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// Entity names used by the predefined patterns
const (
	DirectQueue = "tutorial-one"

	WorkQueueName = "tutorial-two"

	FanoutExchange = "exchange_three"
	FanoutQueueOne = "tutorial-three-q1"
	FanoutQueueTwo = "tutorial-three-q2"

	ConsumerOne = "consumer-one"
	ConsumerTwo = "consumer-two"
)

// Pattern names
const (
	NameDirect = "direct"
	NameWork   = "work"
	NameFanout = "fanout"
)

// Route is where a pattern's producer publishes
type Route struct {
	Exchange   string
	RoutingKey string
}

// Subscription describes one consumer loop
type Subscription struct {
	Queue       string
	ConsumerTag string
	Prefetch    int

	// Handler overrides the coordinator's handler for this loop
	Handler rabbitmq.Handler
}

// Pattern is a topology together with its producer route and consumers
type Pattern struct {
	Name          string
	Topology      rabbitmq.Topology
	Route         Route
	Persistent    bool
	Subscriptions []Subscription
}

// Queues returns the distinct queues the pattern consumes from
func (p Pattern) Queues() []string {
	var queues []string
	seen := make(map[string]bool)
	for _, s := range p.Subscriptions {
		if !seen[s.Queue] {
			seen[s.Queue] = true
			queues = append(queues, s.Queue)
		}
	}
	return queues
}

// Validate checks the topology and that every subscription consumes a
// queue the pattern declares
func (p Pattern) Validate() error {
	if err := p.Topology.Validate(); err != nil {
		return err
	}

	declared := make(map[string]bool)
	for _, q := range p.Topology.Queues {
		declared[q.Name] = true
	}

	for _, s := range p.Subscriptions {
		if !declared[s.Queue] {
			return fmt.Errorf("%w: pattern %s consumes undeclared queue %s",
				rabbitmq.ErrInvalidTopology, p.Name, s.Queue)
		}
		if s.Prefetch < 0 {
			return fmt.Errorf("%w: negative prefetch for %s", rabbitmq.ErrInvalidConfiguration, s.ConsumerTag)
		}
	}
	return nil
}

// Direct publishes through the default exchange straight into one queue
// read by a single consumer without a prefetch limit.
func Direct() Pattern {
	return Pattern{
		Name: NameDirect,
		Topology: rabbitmq.Topology{
			Queues: []rabbitmq.QueueDeclaration{{Name: DirectQueue}},
		},
		Route: Route{RoutingKey: DirectQueue},
		Subscriptions: []Subscription{
			{Queue: DirectQueue, ConsumerTag: ConsumerOne},
		},
	}
}

// WorkQueue shares one queue between two consumers with prefetch 1, so
// the broker hands the next message to whichever is free.
func WorkQueue() Pattern {
	return Pattern{
		Name: NameWork,
		Topology: rabbitmq.Topology{
			Queues: []rabbitmq.QueueDeclaration{{Name: WorkQueueName}},
		},
		Route:      Route{RoutingKey: WorkQueueName},
		Persistent: true,
		Subscriptions: []Subscription{
			{Queue: WorkQueueName, ConsumerTag: ConsumerOne, Prefetch: 1},
			{Queue: WorkQueueName, ConsumerTag: ConsumerTwo, Prefetch: 1},
		},
	}
}

// Fanout binds two queues to exchange_three; every message reaches both.
func Fanout() Pattern {
	return FanoutOf(FanoutExchange, FanoutQueueOne, FanoutQueueTwo)
}

// FanoutOf builds the fanout pattern for any exchange and queues, with one
// prefetch-1 consumer per queue.
func FanoutOf(exchange string, queues ...string) Pattern {
	p := Pattern{
		Name:       NameFanout,
		Topology:   rabbitmq.FanoutTopology(exchange, false, queues...),
		Route:      Route{Exchange: exchange},
		Persistent: true,
	}

	for i, q := range queues {
		p.Subscriptions = append(p.Subscriptions, Subscription{
			Queue:       q,
			ConsumerTag: consumerTag(i),
			Prefetch:    1,
		})
	}
	return p
}

func consumerTag(i int) string {
	switch i {
	case 0:
		return ConsumerOne
	case 1:
		return ConsumerTwo
	default:
		return fmt.Sprintf("consumer-%d", i+1)
	}
}

// ByName returns a predefined pattern
func ByName(name string) (Pattern, error) {
	switch strings.ToLower(name) {
	case NameDirect, "one":
		return Direct(), nil
	case NameWork, "two":
		return WorkQueue(), nil
	case NameFanout, "three":
		return Fanout(), nil
	default:
		return Pattern{}, fmt.Errorf("unknown pattern %q", name)
	}
}
