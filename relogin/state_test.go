package relogin

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	account  string
	from, to CredentialState
}

type recordingObserver struct {
	seen []transition
}

func (r *recordingObserver) OnCredentialState(accountID string, from, to CredentialState) {
	r.seen = append(r.seen, transition{accountID, from, to})
}

func TestStateTracker(t *testing.T) {
	obs := &recordingObserver{}
	tracker := NewStateTracker(obs)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	_, ok := tracker.Get("42")
	assert.False(t, ok)

	tracker.Transition("42", StateStale, "timeout", nil)
	tracker.Transition("42", StateReauthenticating, "", nil)
	tracker.Transition("42", StateFailed, "", errors.New("checkpoint"))
	tracker.Transition("42", StateStale, "mqtt closed", nil)
	tracker.Transition("42", StateReauthenticating, "", nil)
	tracker.Transition("42", StateActive, "", nil)
	tracker.Transition("7", StateStale, "", nil)

	status, ok := tracker.Get("42")
	require.True(t, ok)
	assert.Equal(t, AccountStatus{
		AccountID: "42",
		State:     StateActive,
		Since:     now,
		Reason:    "mqtt closed",
		Logins:    1,
		Failures:  1,
	}, status)

	assert.Equal(t, []transition{
		{"42", StateActive, StateStale},
		{"42", StateStale, StateReauthenticating},
		{"42", StateReauthenticating, StateFailed},
		{"42", StateFailed, StateStale},
		{"42", StateStale, StateReauthenticating},
		{"42", StateReauthenticating, StateActive},
		{"7", StateActive, StateStale},
	}, obs.seen)

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "42", snapshot[0].AccountID)
	assert.Equal(t, "7", snapshot[1].AccountID)
}

func TestCredentialStateJSON(t *testing.T) {
	b, err := json.Marshal(AccountStatus{AccountID: "42", State: StateReauthenticating})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"reauthenticating"`)
	assert.NotContains(t, string(b), "cookie")

	assert.Equal(t, "unknown", CredentialState(99).String())
}
