package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/relogin"
)

// DisconnectPublisher reports lost chat connections
type DisconnectPublisher interface {
	PublishMessengerDisconnected(ctx context.Context, accountID, reason string, options ...contracts.EnvelopeOption) (string, error)
}

var _ DisconnectPublisher = (*messaging.EventPublisher)(nil)

// Monitor is the chat side of credential recovery for one account. It
// reports disconnects and installs the cookies that come back.
type Monitor struct {
	accountID string
	publisher DisconnectPublisher
	connector ChatConnector
	tracker   *relogin.StateTracker
	logger    *slog.Logger

	mu      sync.Mutex
	pending string
}

var _ messaging.EventHandler = (*Monitor)(nil)

// MonitorOption configures the Monitor
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMonitorStateTracker records the account's credential state in tracker
func WithMonitorStateTracker(tracker *relogin.StateTracker) MonitorOption {
	return func(m *Monitor) {
		m.tracker = tracker
	}
}

// NewMonitor creates a monitor for accountID. publisher may be nil when the
// monitor only installs cookies.
func NewMonitor(accountID string, publisher DisconnectPublisher, connector ChatConnector, options ...MonitorOption) *Monitor {
	m := &Monitor{
		accountID: accountID,
		publisher: publisher,
		connector: connector,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.tracker == nil {
		m.tracker = relogin.NewStateTracker()
	}

	return m
}

// AccountID returns the monitored account
func (m *Monitor) AccountID() string {
	return m.accountID
}

// Tracker returns the credential state tracker
func (m *Monitor) Tracker() *relogin.StateTracker {
	return m.tracker
}

// Pending returns the event id of the last reported disconnect that no
// cookie has answered yet
func (m *Monitor) Pending() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// ReportDisconnect publishes a messenger.disconnected event and returns
// without waiting for the new cookie
func (m *Monitor) ReportDisconnect(ctx context.Context, reason string) (string, error) {
	if m.publisher == nil {
		return "", fmt.Errorf("no publisher configured for %s", m.accountID)
	}

	m.tracker.Transition(m.accountID, relogin.StateStale, reason, nil)

	eventID, err := m.publisher.PublishMessengerDisconnected(ctx, m.accountID, reason)
	if err != nil {
		m.logger.Error("failed to report disconnect",
			"accountId", m.accountID,
			"reason", reason,
			"error", err)
		return "", err
	}

	m.mu.Lock()
	m.pending = eventID
	m.mu.Unlock()

	m.logger.Info("reported disconnect",
		"accountId", m.accountID,
		"reason", reason,
		"eventId", eventID)
	return eventID, nil
}

// HandleEvent implements messaging.EventHandler
func (m *Monitor) HandleEvent(ctx context.Context, env *contracts.Envelope) error {
	return m.HandleCookieChanged(ctx, env)
}

// HandleCookieChanged installs the refreshed cookie and reconnects when
// asked to. Events for other accounts are acknowledged untouched; any
// install or reconnect failure is returned so the event is redelivered.
func (m *Monitor) HandleCookieChanged(ctx context.Context, env *contracts.Envelope) error {
	change, ok := contracts.As[contracts.CookieChanged](env)
	if !ok {
		return messaging.Reject(fmt.Errorf("%w: %s", messaging.ErrUnexpectedPayload, env.EventType))
	}

	if change.AccountID != m.accountID {
		m.logger.Debug("ignoring cookie for another account",
			"accountId", change.AccountID,
			"eventId", env.EventID)
		return nil
	}

	if err := m.connector.UpdateCredential(ctx, change.AccountID, change.NewCookie); err != nil {
		return fmt.Errorf("failed to install cookie: %w", err)
	}

	if change.ForceReconnect {
		if err := m.connector.Reconnect(ctx, change.AccountID); err != nil {
			return fmt.Errorf("failed to reconnect: %w", err)
		}
	}

	m.mu.Lock()
	answered := m.pending != "" && m.pending == env.CorrelationID
	if answered {
		m.pending = ""
	}
	m.mu.Unlock()

	m.tracker.Transition(m.accountID, relogin.StateActive, "", nil)
	m.logger.Info("installed refreshed cookie",
		"accountId", change.AccountID,
		"reconnected", change.ForceReconnect,
		"correlationId", env.CorrelationID,
		"answersDisconnect", answered)
	return nil
}
