package rabbitmq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTopologyValidate(t *testing.T) {
	t.Run("fanout topology is valid", func(t *testing.T) {
		topo := FanoutTopology("exchange_three", false, "q1", "q2")

		require.NoError(t, topo.Validate())
		assert.Equal(t, []string{"q1", "q2"}, topo.QueueNames())
		assert.Len(t, topo.Bindings, 2)
		assert.Equal(t, KindFanout, topo.Exchanges[0].Kind)
	})

	t.Run("queue-only topology is valid", func(t *testing.T) {
		topo := Topology{Queues: []QueueDeclaration{{Name: "tutorial-one"}}}
		assert.NoError(t, topo.Validate())
	})

	tests := []struct {
		name string
		topo Topology
		want error
	}{
		{
			name: "exchange without name",
			topo: Topology{Exchanges: []ExchangeDeclaration{{Kind: KindFanout}}},
			want: ErrInvalidTopology,
		},
		{
			name: "exchange without kind",
			topo: Topology{Exchanges: []ExchangeDeclaration{{Name: "x"}}},
			want: ErrInvalidTopology,
		},
		{
			name: "exchange declared with two kinds",
			topo: Topology{Exchanges: []ExchangeDeclaration{
				{Name: "x", Kind: KindFanout},
				{Name: "x", Kind: KindDirect},
			}},
			want: ErrDeclarationConflict,
		},
		{
			name: "queue declared with two durabilities",
			topo: Topology{Queues: []QueueDeclaration{
				{Name: "q", Durable: true},
				{Name: "q"},
			}},
			want: ErrDeclarationConflict,
		},
		{
			name: "unbound queue next to an exchange",
			topo: Topology{
				Exchanges: []ExchangeDeclaration{{Name: "x", Kind: KindFanout}},
				Queues:    []QueueDeclaration{{Name: "q1"}, {Name: "q2"}},
				Bindings:  []Binding{{Queue: "q1", Exchange: "x"}},
			},
			want: ErrInvalidTopology,
		},
		{
			name: "incomplete binding",
			topo: Topology{Bindings: []Binding{{Queue: "q"}}},
			want: ErrInvalidTopology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.topo.Validate(), tt.want)
		})
	}
}

func TestTopologyManager(t *testing.T) {
	ctx := context.Background()

	t.Run("declares exchanges, then queues, then bindings", func(t *testing.T) {
		raw := &mockChannel{}
		ch := openMockChannel(t, raw)

		var order []string
		raw.On("ExchangeDeclare", "exchange_three", amqp.ExchangeFanout, false, false, false, false, amqp.Table(nil)).
			Run(func(mock.Arguments) { order = append(order, "exchange") }).
			Return(nil).Once()
		raw.On("QueueDeclare", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Run(func(args mock.Arguments) { order = append(order, "queue "+args.String(0)) }).
			Return(amqp.Queue{}, nil).Twice()
		raw.On("QueueBind", mock.Anything, "", "exchange_three", false, amqp.Table(nil)).
			Run(func(args mock.Arguments) { order = append(order, "bind "+args.String(0)) }).
			Return(nil).Twice()

		tm := NewTopologyManager(ch, WithTopologyLogger(discardLogger()))
		err := tm.DeclareTopology(ctx, FanoutTopology("exchange_three", false, "q1", "q2"))

		require.NoError(t, err)
		assert.Equal(t, []string{"exchange", "queue q1", "queue q2", "bind q1", "bind q2"}, order)
		raw.AssertExpectations(t)
	})

	t.Run("conflicting exchange aborts before any queue", func(t *testing.T) {
		raw := &mockChannel{}
		ch := openMockChannel(t, raw)

		raw.On("ExchangeDeclare", "exchange_three", amqp.ExchangeFanout, false, false, false, false, amqp.Table(nil)).
			Return(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'"})

		tm := NewTopologyManager(ch, WithTopologyLogger(discardLogger()))
		err := tm.DeclareTopology(ctx, FanoutTopology("exchange_three", false, "q1"))

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.ErrorIs(t, err, ErrDeclarationConflict)
		assert.True(t, IsFatal(err))
		raw.AssertNotCalled(t, "QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing queue fails the binding", func(t *testing.T) {
		raw := &mockChannel{}
		ch := openMockChannel(t, raw)

		raw.On("QueueBind", "ghost", "", "exchange_three", false, amqp.Table(nil)).
			Return(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'ghost'"})

		err := ch.BindQueue(ctx, Binding{Queue: "ghost", Exchange: "exchange_three"})

		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, "ghost", bindErr.Queue)
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("invalid topology never reaches the broker", func(t *testing.T) {
		raw := &mockChannel{}
		ch := openMockChannel(t, raw)

		tm := NewTopologyManager(ch, WithTopologyLogger(discardLogger()))
		err := tm.DeclareTopology(ctx, Topology{Exchanges: []ExchangeDeclaration{{Name: "x"}}})

		assert.ErrorIs(t, err, ErrInvalidTopology)
		raw.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
