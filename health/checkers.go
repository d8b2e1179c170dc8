package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

// DefaultDepthThreshold is the queue depth above which a queue is degraded
const DefaultDepthThreshold = 10000

// BrokerChecker checks the broker session: the connection is open, a
// channel can be opened and the broker answers a passive declare.
type BrokerChecker struct {
	conn *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": c.conn.Status().String()},
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is not open"
		if err := c.conn.Err(); err != nil {
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.InspectExchange(ctx, "amq.fanout", rabbitmq.KindFanout); err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["open_channels"] = c.conn.ChannelCount()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ExchangeChecker checks that an exchange exists
type ExchangeChecker struct {
	conn     *rabbitmq.ConnectionManager
	exchange string
	kind     string
}

// NewExchangeChecker creates a checker for exchange of the given kind
func NewExchangeChecker(conn *rabbitmq.ConnectionManager, exchange, kind string) *ExchangeChecker {
	return &ExchangeChecker{conn: conn, exchange: exchange, kind: kind}
}

func (c *ExchangeChecker) Name() string {
	return fmt.Sprintf("exchange_%s", c.exchange)
}

func (c *ExchangeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"exchange": c.exchange, "kind": c.kind},
	}

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.InspectExchange(ctx, c.exchange, c.kind); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Exchange %s not accessible", c.exchange)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Exchange %s exists", c.exchange)
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	conn      *rabbitmq.ConnectionManager
	queueName string
	threshold int
}

// NewQueueChecker creates a new queue health checker. A threshold of 0
// means DefaultDepthThreshold.
func NewQueueChecker(conn *rabbitmq.ConnectionManager, queueName string, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultDepthThreshold
	}
	return &QueueChecker{
		conn:      conn,
		queueName: queueName,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	// A failed passive declare closes the channel, so every check uses
	// its own.
	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	queue, err := ch.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	return result
}
