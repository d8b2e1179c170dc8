package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	KindDirect  = amqp.ExchangeDirect
	KindFanout  = amqp.ExchangeFanout
	KindTopic   = amqp.ExchangeTopic
	KindHeaders = amqp.ExchangeHeaders
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Queue is the broker's view of a declared queue
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// FanoutTopology declares exchange as a fanout and binds every queue to it
// with an empty routing key.
func FanoutTopology(exchange string, durable bool, queues ...string) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{{
			Name:    exchange,
			Kind:    KindFanout,
			Durable: durable,
		}},
	}

	for _, name := range queues {
		t.Queues = append(t.Queues, QueueDeclaration{Name: name, Durable: durable})
		t.Bindings = append(t.Bindings, Binding{Queue: name, Exchange: exchange})
	}

	return t
}

// QueueNames returns the declared queue names in declaration order
func (t Topology) QueueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for _, q := range t.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Validate checks the topology before anything reaches the broker. When a
// topology declares exchanges, every queue it declares must be bound:
// an unbound queue next to a fanout exchange silently misses messages.
func (t Topology) Validate() error {
	exchanges := make(map[string]ExchangeDeclaration, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
		}
		if ex.Kind == "" {
			return fmt.Errorf("%w: exchange %s has no kind", ErrInvalidTopology, ex.Name)
		}
		if prev, ok := exchanges[ex.Name]; ok && (prev.Kind != ex.Kind || prev.Durable != ex.Durable) {
			return fmt.Errorf("%w: exchange %s declared twice with different attributes", ErrDeclarationConflict, ex.Name)
		}
		exchanges[ex.Name] = ex
	}

	queues := make(map[string]QueueDeclaration, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
		}
		if prev, ok := queues[q.Name]; ok && prev.Durable != q.Durable {
			return fmt.Errorf("%w: queue %s declared twice with different attributes", ErrDeclarationConflict, q.Name)
		}
		queues[q.Name] = q
	}

	bound := make(map[string]bool, len(t.Bindings))
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding %q -> %q is incomplete", ErrInvalidTopology, b.Queue, b.Exchange)
		}
		bound[b.Queue] = true
	}

	if len(t.Exchanges) > 0 {
		for _, q := range t.Queues {
			if !bound[q.Name] {
				return fmt.Errorf("%w: queue %s is not bound to any exchange", ErrInvalidTopology, q.Name)
			}
		}
	}

	return nil
}

// TopologyManager declares topology on a channel it borrows from its owner
type TopologyManager struct {
	ch     *Channel
	logger *slog.Logger
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch *Channel, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		ch:     ch,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// DeclareTopology declares exchanges, then queues, then bindings. The first
// failure aborts the rest and is returned; the caller must not publish or
// consume against a topology that failed. Declarations are idempotent, so
// running the same topology again after fixing the cause is safe.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return &TopologyError{Component: "topology", Op: "validate", Err: err}
	}

	for _, exchange := range topology.Exchanges {
		if err := tm.ch.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
		tm.logger.Debug("exchange declared", "exchange", exchange.Name, "kind", exchange.Kind)
	}

	for _, queue := range topology.Queues {
		if _, err := tm.ch.DeclareQueue(ctx, queue); err != nil {
			return err
		}
		tm.logger.Debug("queue declared", "queue", queue.Name, "durable", queue.Durable)
	}

	for _, binding := range topology.Bindings {
		if err := tm.ch.BindQueue(ctx, binding); err != nil {
			return err
		}
		tm.logger.Debug("queue bound", "queue", binding.Queue, "exchange", binding.Exchange)
	}

	tm.logger.Info("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.ch.DeclareExchange(ctx, exchange)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (Queue, error) {
	return tm.ch.DeclareQueue(ctx, queue)
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.ch.BindQueue(ctx, binding)
}
