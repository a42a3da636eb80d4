package relogin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/messaging"
)

// CookiePublisher publishes refreshed cookies
type CookiePublisher interface {
	PublishCookieChanged(ctx context.Context, change contracts.CookieChanged, options ...contracts.EnvelopeOption) error
}

var _ CookiePublisher = (*messaging.EventPublisher)(nil)

// Service answers messenger.disconnected events with a login and a
// cookie.changed event. It is a messaging.EventHandler; deliveries must be
// handled one at a time so at most one login per account is in flight.
type Service struct {
	login     LoginProvider
	publisher CookiePublisher
	tracker   *StateTracker
	accounts  map[string]bool
	logger    *slog.Logger
}

var _ messaging.EventHandler = (*Service)(nil)

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStateTracker records credential transitions in tracker
func WithStateTracker(tracker *StateTracker) ServiceOption {
	return func(s *Service) {
		s.tracker = tracker
	}
}

// WithAccounts restricts the service to the listed account ids. Events for
// other accounts are acknowledged and ignored.
func WithAccounts(ids ...string) ServiceOption {
	return func(s *Service) {
		for _, id := range ids {
			if id != "" {
				s.accounts[id] = true
			}
		}
	}
}

// NewService creates a re-login service
func NewService(login LoginProvider, publisher CookiePublisher, options ...ServiceOption) *Service {
	s := &Service{
		login:     login,
		publisher: publisher,
		accounts:  make(map[string]bool),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.tracker == nil {
		s.tracker = NewStateTracker()
	}

	return s
}

// Tracker returns the credential state tracker
func (s *Service) Tracker() *StateTracker {
	return s.tracker
}

// HandleEvent logs in once for the disconnected account. A nil return
// acknowledges the disconnect event, so it is returned only after the
// cookie.changed publish call succeeded or the login failed for good.
func (s *Service) HandleEvent(ctx context.Context, env *contracts.Envelope) error {
	event, ok := contracts.As[contracts.MessengerDisconnected](env)
	if !ok {
		return messaging.Reject(fmt.Errorf("%w: %s", messaging.ErrUnexpectedPayload, env.EventType))
	}

	accountID := event.AccountID
	if len(s.accounts) > 0 && !s.accounts[accountID] {
		s.logger.Warn("ignoring disconnect for unmanaged account",
			"accountId", accountID,
			"eventId", env.EventID)
		return nil
	}

	s.logger.Info("messenger disconnected, logging in",
		"accountId", accountID,
		"reason", event.Reason,
		"eventId", env.EventID)

	s.tracker.Transition(accountID, StateStale, event.Reason, nil)
	s.tracker.Transition(accountID, StateReauthenticating, event.Reason, nil)

	cookie, err := s.login.Login(ctx, accountID, event.Reason)
	if err == nil && cookie == "" {
		err = fmt.Errorf("%w: empty cookie", ErrLoginFailed)
	}
	if err != nil {
		if ctx.Err() != nil {
			// shutting down mid-login; leave the event for the next consumer
			s.tracker.Transition(accountID, StateStale, "", ctx.Err())
			return ctx.Err()
		}
		s.tracker.Transition(accountID, StateFailed, "", err)
		s.logger.Error("login failed, not retrying",
			"accountId", accountID,
			"eventId", env.EventID,
			"error", err)
		return nil
	}

	change := contracts.CookieChanged{
		AccountID:      accountID,
		NewCookie:      cookie,
		ForceReconnect: true,
	}
	if err := s.publisher.PublishCookieChanged(ctx, change, contracts.WithCorrelationID(correlationID(env))); err != nil {
		s.tracker.Transition(accountID, StateStale, "", err)
		return fmt.Errorf("failed to publish cookie change for %s: %w", accountID, err)
	}

	s.tracker.Transition(accountID, StateActive, "", nil)
	s.logger.Info("published refreshed cookie", "accountId", accountID)
	return nil
}

func correlationID(env *contracts.Envelope) string {
	if env.EventID != "" {
		return env.EventID
	}
	return env.CorrelationID
}
