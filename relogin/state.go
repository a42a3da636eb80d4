package relogin

import (
	"sort"
	"sync"
	"time"
)

// CredentialState is the lifecycle position of an account's session cookie
type CredentialState int

const (
	// StateActive means the session is believed live
	StateActive CredentialState = iota
	// StateStale means a disconnect was reported
	StateStale
	// StateReauthenticating means a login is in flight
	StateReauthenticating
	// StateFailed means the last login failed; it stays until the next
	// disconnect report
	StateFailed
)

func (s CredentialState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateReauthenticating:
		return "reauthenticating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s CredentialState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AccountStatus is the last known state of one account. It never holds the
// cookie itself.
type AccountStatus struct {
	AccountID string          `json:"account_id"`
	State     CredentialState `json:"state"`
	Since     time.Time       `json:"since"`
	Reason    string          `json:"reason,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Logins    int             `json:"logins"`
	Failures  int             `json:"failures"`
}

// StateObserver is told about every transition
type StateObserver interface {
	OnCredentialState(accountID string, from, to CredentialState)
}

// StateTracker records credential states per account. Safe for concurrent
// use.
type StateTracker struct {
	mu        sync.RWMutex
	accounts  map[string]*AccountStatus
	observers []StateObserver
	now       func() time.Time
}

// NewStateTracker creates an empty tracker
func NewStateTracker(observers ...StateObserver) *StateTracker {
	return &StateTracker{
		accounts:  make(map[string]*AccountStatus),
		observers: observers,
		now:       time.Now,
	}
}

// Transition moves accountID to state. Unknown accounts start out active.
func (t *StateTracker) Transition(accountID string, state CredentialState, reason string, cause error) {
	t.mu.Lock()
	status, ok := t.accounts[accountID]
	if !ok {
		status = &AccountStatus{AccountID: accountID, State: StateActive}
		t.accounts[accountID] = status
	}
	from := status.State

	status.State = state
	status.Since = t.now().UTC()
	if reason != "" {
		status.Reason = reason
	}
	status.LastError = ""
	if cause != nil {
		status.LastError = cause.Error()
	}
	switch {
	case state == StateActive && from == StateReauthenticating:
		status.Logins++
	case state == StateFailed:
		status.Failures++
	}
	observers := t.observers
	t.mu.Unlock()

	for _, o := range observers {
		o.OnCredentialState(accountID, from, state)
	}
}

// Get returns the status of accountID
func (t *StateTracker) Get(accountID string) (AccountStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.accounts[accountID]
	if !ok {
		return AccountStatus{}, false
	}
	return *status, true
}

// Snapshot returns every known account ordered by id
func (t *StateTracker) Snapshot() []AccountStatus {
	t.mu.RLock()
	out := make([]AccountStatus, 0, len(t.accounts))
	for _, status := range t.accounts {
		out = append(out, *status)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
