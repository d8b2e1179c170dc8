package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a connection or channel
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionStateListener is told when the session opens and when it ends.
// OnDisconnected gets nil after a graceful Close and the classified cause
// when the broker or the network ended the session. Callbacks run on the
// goroutine that changed the state and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the single broker session of the process. Channels
// opened through it hold a non-owning reference and are closed with it.
type ConnectionManager struct {
	url         string
	dialer      Dialer
	amqpConfig  amqp.Config
	dialTimeout time.Duration
	logger      *slog.Logger

	mu            sync.RWMutex
	conn          Connection
	state         State
	lastErr       error
	notifyClose   chan *amqp.Error
	done          chan struct{}
	attempt       chan struct{}
	cancelDial    context.CancelFunc
	channels      map[uint16]*Channel
	nextChannelID uint16

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the network dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithDialTimeout bounds the handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithAMQPConfig sets heartbeat, vhost and the other dial parameters
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig = config
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialer:      DialAMQP,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		state:       StateClosed,
		channels:    make(map[uint16]*Channel),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

type dialResult struct {
	conn Connection
	err  error
}

// Connect establishes the session. It fails with *ConnectionError when the
// broker is unreachable, refuses the credentials or the handshake times out.
// The manager stays readable while dialing; a concurrent Connect waits for
// the attempt in flight and Close abandons it.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	for cm.state == StateConnecting {
		attempt := cm.attempt
		cm.mu.Unlock()
		select {
		case <-attempt:
		case <-ctx.Done():
			return cm.connectError(ctx.Err())
		}
		cm.mu.Lock()
	}

	if cm.state == StateOpen {
		cm.mu.Unlock()
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	attempt := make(chan struct{})
	defer close(attempt)

	cm.state = StateConnecting
	cm.lastErr = nil
	cm.attempt = attempt
	cm.cancelDial = cancel
	cm.mu.Unlock()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dialer(cm.url, cm.amqpConfig)
		results <- dialResult{conn: conn, err: err}
	}()

	var res dialResult
	select {
	case res = <-results:
		if res.err != nil {
			res.err = classifyAMQPError(res.err)
		}

	case <-connCtx.Done():
		// The dial may still succeed after we gave up on it.
		go func() {
			if late := <-results; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
		res.err = ErrConnectionTimeout
		if ctx.Err() != nil {
			res.err = ctx.Err()
		}
	}

	cm.mu.Lock()
	cm.cancelDial = nil

	if cm.state != StateConnecting {
		// Close abandoned the attempt.
		cm.mu.Unlock()
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return cm.connectError(ErrConnectionClosed)
	}

	if res.err != nil {
		err := cm.failConnect(res.err)
		cm.mu.Unlock()
		return err
	}

	cm.conn = res.conn
	cm.state = StateOpen
	cm.done = make(chan struct{})
	conn, notifyClose, done := cm.conn, cm.conn.NotifyClose(make(chan *amqp.Error, 1)), cm.done
	cm.notifyClose = notifyClose
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url))
	cm.notifyConnected()

	// Listeners hear about a loss only after they heard about the session.
	go cm.watch(conn, notifyClose, done)

	return nil
}

// failConnect records a failed dial; callers hold mu
func (cm *ConnectionManager) failConnect(err error) error {
	cm.state = StateError
	cm.lastErr = err

	cm.logger.Error("failed to connect to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"error", err)

	return cm.connectError(err)
}

func (cm *ConnectionManager) connectError(err error) error {
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Status returns the connection state
func (cm *ConnectionManager) Status() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether the session is open
func (cm *ConnectionManager) IsConnected() bool {
	return cm.Status() == StateOpen
}

// Err returns the reason the connection entered StateError
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// OpenChannel opens a new channel owned by the caller
func (cm *ConnectionManager) OpenChannel(ctx context.Context) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != StateOpen || cm.conn == nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       ErrConnectionNotReady,
			Timestamp: time.Now(),
		}
	}

	if cm.conn.IsClosed() {
		return nil, &ChannelError{
			Op:        "open",
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}

	raw, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, classifyAMQPError(err)),
			Timestamp: time.Now(),
		}
	}

	cm.nextChannelID++
	ch := newChannel(cm, cm.nextChannelID, raw, cm.logger)
	cm.channels[ch.id] = ch

	cm.logger.Debug("channel opened", "channel", ch.id)

	return ch, nil
}

// release forgets a closed channel
func (cm *ConnectionManager) release(id uint16) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.channels, id)
}

// ChannelCount returns the number of open channels
func (cm *ConnectionManager) ChannelCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.channels)
}

// Close closes every channel opened through the manager and then the
// session itself. Calling Close more than once is harmless.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateConnecting {
		cm.state = StateClosed
		cm.cancelDial()
		cm.mu.Unlock()
		cm.logger.Info("connection attempt abandoned", "url", SanitizeURL(cm.url))
		return nil
	}
	if cm.state != StateOpen {
		cm.mu.Unlock()
		return nil
	}

	cm.state = StateClosing
	channels := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		channels = append(channels, ch)
	}
	conn := cm.conn
	close(cm.done)
	cm.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, ErrChannelClosed) {
			cm.logger.Warn("failed to close channel", "channel", ch.id, "error", err)
		}
	}

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	cm.mu.Lock()
	cm.state = StateClosed
	cm.conn = nil
	cm.mu.Unlock()

	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	cm.notifyDisconnected(nil)

	return err
}

// watch waits for the broker or the network to end the session. There is
// no reconnection: a lost session leaves the manager in StateError.
func (cm *ConnectionManager) watch(conn Connection, notifyClose <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = classifyAMQPError(amqpErr)
		}

		cm.mu.Lock()
		if cm.conn != conn || cm.state != StateOpen {
			cm.mu.Unlock()
			return
		}
		if err != nil {
			cm.state = StateError
			cm.lastErr = err
		} else {
			cm.state = StateClosed
		}
		cm.conn = nil
		cm.mu.Unlock()

		if err != nil {
			cm.logger.Error("connection lost", "error", err)
		} else {
			cm.logger.Info("connection closed by broker")
		}
		cm.notifyDisconnected(err)

	case <-done:
	}
}

// AddStateListener registers a listener for session changes
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener unregisters a listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	cm.stateListeners = slices.DeleteFunc(cm.stateListeners, func(l ConnectionStateListener) bool {
		return l == listener
	})
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return slices.Clone(cm.stateListeners)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}
