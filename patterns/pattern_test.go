package patterns_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
	"github.com/glimte/rabbit-patterns/patterns"
)

func TestPredefinedPatterns(t *testing.T) {
	t.Run("fanout binds both queues to exchange_three", func(t *testing.T) {
		p := patterns.Fanout()
		require.NoError(t, p.Validate())

		assert.Equal(t, patterns.NameFanout, p.Name)
		assert.Equal(t, patterns.Route{Exchange: patterns.FanoutExchange}, p.Route)
		require.Len(t, p.Topology.Exchanges, 1)
		assert.Equal(t, rabbitmq.KindFanout, p.Topology.Exchanges[0].Kind)
		assert.Equal(t, []string{patterns.FanoutQueueOne, patterns.FanoutQueueTwo}, p.Queues())
		require.Len(t, p.Topology.Bindings, 2)
		for _, b := range p.Topology.Bindings {
			assert.Empty(t, b.RoutingKey)
			assert.Equal(t, patterns.FanoutExchange, b.Exchange)
		}

		tags := []string{p.Subscriptions[0].ConsumerTag, p.Subscriptions[1].ConsumerTag}
		assert.Equal(t, []string{patterns.ConsumerOne, patterns.ConsumerTwo}, tags)
		for _, s := range p.Subscriptions {
			assert.Equal(t, 1, s.Prefetch)
		}
	})

	t.Run("fanout of more queues numbers the consumers", func(t *testing.T) {
		p := patterns.FanoutOf("logs", "a", "b", "c", "d")
		require.NoError(t, p.Validate())
		assert.Equal(t, "consumer-4", p.Subscriptions[3].ConsumerTag)
		assert.Len(t, p.Topology.Bindings, 4)
	})

	t.Run("work queue shares one queue", func(t *testing.T) {
		p := patterns.WorkQueue()
		require.NoError(t, p.Validate())
		assert.Equal(t, []string{patterns.WorkQueueName}, p.Queues())
		assert.Len(t, p.Subscriptions, 2)
		assert.True(t, p.Persistent)
	})

	t.Run("direct routes through the default exchange", func(t *testing.T) {
		p := patterns.Direct()
		require.NoError(t, p.Validate())
		assert.Empty(t, p.Route.Exchange)
		assert.Equal(t, patterns.DirectQueue, p.Route.RoutingKey)
		assert.Zero(t, p.Subscriptions[0].Prefetch)
	})
}

func TestPatternValidate(t *testing.T) {
	t.Run("subscription to an undeclared queue", func(t *testing.T) {
		p := patterns.Fanout()
		p.Subscriptions = append(p.Subscriptions, patterns.Subscription{Queue: "elsewhere", ConsumerTag: "x"})
		assert.ErrorIs(t, p.Validate(), rabbitmq.ErrInvalidTopology)
	})

	t.Run("negative prefetch", func(t *testing.T) {
		p := patterns.Direct()
		p.Subscriptions[0].Prefetch = -1
		assert.ErrorIs(t, p.Validate(), rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("invalid topology", func(t *testing.T) {
		p := patterns.FanoutOf("")
		assert.Error(t, p.Validate())
	})
}

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"fanout", patterns.NameFanout},
		{"three", patterns.NameFanout},
		{"Work", patterns.NameWork},
		{"two", patterns.NameWork},
		{"direct", patterns.NameDirect},
		{"one", patterns.NameDirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := patterns.ByName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, err := patterns.ByName("rpc")
	assert.Error(t, err)
}
