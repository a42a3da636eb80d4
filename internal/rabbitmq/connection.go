package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fbchat/relay/internal/reliability"
)

// DefaultExchange is the topic exchange shared by every component
const DefaultExchange = "fbchat.events"

// ConnectionStateListener receives connection state change notifications.
// Callbacks run synchronously on the goroutine that changed the state and
// must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int, delay time.Duration)
}

// ConnectionManager owns one broker connection and one channel for a single
// logical role. Other components obtain the channel through it and ask it to
// reconnect after a failure.
type ConnectionManager struct {
	settings BrokerSettings
	dial     Dialer
	backoff  *reliability.ExponentialBackoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel

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

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithBackoff sets the reconnection schedule
func WithBackoff(backoff *reliability.ExponentialBackoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = backoff
	}
}

// WithSleeper replaces the wait between reconnection attempts
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.sleep = sleep
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.stateListeners = append(cm.stateListeners, listener)
	}
}

// NewConnectionManager creates a connection manager. It does not connect.
func NewConnectionManager(settings BrokerSettings, options ...ConnectionOption) *ConnectionManager {
	if settings.Exchange == "" {
		settings.Exchange = DefaultExchange
	}

	cm := &ConnectionManager{
		settings: settings,
		dial:     DialAMQP,
		backoff:  reliability.ReconnectBackoff(),
		sleep:    reliability.Sleep,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Exchange returns the topic exchange name
func (cm *ConnectionManager) Exchange() string {
	return cm.settings.Exchange
}

// Settings returns a copy of the broker settings
func (cm *ConnectionManager) Settings() BrokerSettings {
	return cm.settings
}

// Connect dials the broker, opens a channel and declares the exchange.
// Stale resources from a previous session are released first.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	err := cm.connect(ctx)
	if err != nil {
		cm.notifyDisconnected(err)
		return err
	}
	cm.notifyConnected()
	return nil
}

func (cm *ConnectionManager) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Address: cm.settings.Address(), Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Disconnect may have won the lock after ctx was cancelled
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Address: cm.settings.Address(), Err: err, Timestamp: time.Now()}
	}

	cm.closeLocked()

	if err := cm.settings.Validate(); err != nil {
		cm.logger.Error("refusing to connect", "error", err)
		return &ConnectionError{Op: "connect", Address: cm.settings.Address(), Err: err, Timestamp: time.Now()}
	}

	conn, err := cm.dial(cm.settings.URL(), cm.settings.amqpConfig())
	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.settings.URL()),
			"error", err)
		return &ConnectionError{Op: "dial", Address: cm.settings.Address(), Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		cm.logger.Error("failed to open channel", "error", err)
		return &ConnectionError{
			Op:        "open channel",
			Address:   cm.settings.Address(),
			Err:       &ChannelError{Op: "open", Err: err, Timestamp: time.Now()},
			Timestamp: time.Now(),
		}
	}

	if err := ch.ExchangeDeclare(cm.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		cm.logger.Error("failed to declare exchange",
			"exchange", cm.settings.Exchange,
			"error", err)
		return &ConnectionError{
			Op:      "declare exchange",
			Address: cm.settings.Address(),
			Err: &TopologyError{
				Component: "exchange",
				Name:      cm.settings.Exchange,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			},
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.ch = ch

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.settings.URL()),
		"exchange", cm.settings.Exchange)
	return nil
}

// Disconnect closes the channel and then the connection. Safe to call
// repeatedly and on a manager that never connected.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	wasConnected := cm.conn != nil || cm.ch != nil
	cm.closeLocked()
	cm.mu.Unlock()

	if wasConnected {
		cm.logger.Info("disconnected from RabbitMQ")
		cm.notifyDisconnected(nil)
	}
}

func (cm *ConnectionManager) closeLocked() {
	if cm.ch != nil {
		if !cm.ch.IsClosed() {
			if err := cm.ch.Close(); err != nil {
				cm.logger.Debug("error closing channel", "error", err)
			}
		}
		cm.ch = nil
	}
	if cm.conn != nil {
		if !cm.conn.IsClosed() {
			if err := cm.conn.Close(); err != nil {
				cm.logger.Debug("error closing connection", "error", err)
			}
		}
		cm.conn = nil
	}
}

// Channel returns the live channel, connecting once if there is none or the
// previous one was closed. The error wraps ErrNotConnected.
func (cm *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	ch := cm.ch
	cm.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	if err := cm.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.ch == nil {
		return nil, ErrNotConnected
	}
	return cm.ch, nil
}

// IsConnected reports whether a usable channel is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ch != nil && !cm.ch.IsClosed() && cm.conn != nil && !cm.conn.IsClosed()
}

// Reconnect retries Connect with exponential backoff until it succeeds or
// ctx is done. Each call starts from the base delay.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		delay := cm.backoff.NextDelay(attempt)

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"delay", delay)
		cm.notifyReconnecting(attempt+1, delay)

		if err := cm.sleep(ctx, delay); err != nil {
			return &ConnectionError{
				Op:        "reconnect",
				Address:   cm.settings.Address(),
				Err:       errors.Join(ErrReconnectAborted, err),
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
		}

		err := cm.Connect(ctx)
		if err == nil {
			cm.logger.Info("successfully reconnected to RabbitMQ",
				"attempts", attempt+1,
				"duration", time.Since(start))
			return nil
		}

		if IsFatal(err) {
			cm.logger.Warn("reconnection failed with an error that will likely repeat, retrying anyway",
				"url", SanitizeURL(cm.settings.URL()),
				"error", err,
				"attempt", attempt+1,
				"nextRetryIn", cm.backoff.NextDelay(attempt+1))
			continue
		}
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt+1,
			"nextRetryIn", cm.backoff.NextDelay(attempt+1))
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
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

func (cm *ConnectionManager) notifyReconnecting(attempt int, delay time.Duration) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt, delay)
	}
}
