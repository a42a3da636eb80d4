package relogin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/internal/reliability"
	"github.com/fbchat/relay/relogin"
)

func shellLogin(script string) *relogin.CommandLogin {
	return &relogin.CommandLogin{
		Path:     "/bin/sh",
		Args:     []string{"-c", script},
		Username: "0382000000",
		Secret:   "hunter2",
		Logger:   quiet,
	}
}

func TestCommandLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("cookie is the trimmed stdout", func(t *testing.T) {
		login := shellLogin(`printf '  c_user=%s; xs=abc \n' "$FBRELAY_ACCOUNT_ID"`)

		cookie, err := login.Login(ctx, "42", "timeout")
		require.NoError(t, err)
		assert.Equal(t, "c_user=42; xs=abc", cookie)
	})

	t.Run("credentials travel through the environment", func(t *testing.T) {
		login := shellLogin(`echo "$FBRELAY_LOGIN_ACCOUNT:$FBRELAY_LOGIN_SECRET:$FBRELAY_LOGIN_REASON"`)

		cookie, err := login.Login(ctx, "42", "timeout")
		require.NoError(t, err)
		assert.Equal(t, "0382000000:hunter2:timeout", cookie)
	})

	t.Run("account id stands in for a missing username", func(t *testing.T) {
		login := shellLogin(`echo "$FBRELAY_LOGIN_ACCOUNT"`)
		login.Username = ""

		cookie, err := login.Login(ctx, "42", "")
		require.NoError(t, err)
		assert.Equal(t, "42", cookie)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		login := shellLogin(`echo "checkpoint required" >&2; exit 3`)

		cookie, err := login.Login(ctx, "42", "timeout")
		assert.Empty(t, cookie)
		assert.ErrorIs(t, err, relogin.ErrLoginFailed)
		assert.Contains(t, err.Error(), "checkpoint required")
	})

	t.Run("empty output fails", func(t *testing.T) {
		_, err := shellLogin(`echo "   "`).Login(ctx, "42", "timeout")
		assert.ErrorIs(t, err, relogin.ErrLoginFailed)
	})

	t.Run("timeout kills the command", func(t *testing.T) {
		login := shellLogin(`sleep 5; echo late`)
		login.Timeout = 50 * time.Millisecond

		start := time.Now()
		_, err := login.Login(ctx, "42", "timeout")
		assert.ErrorIs(t, err, relogin.ErrLoginFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestGuardedLogin(t *testing.T) {
	ctx := context.Background()
	calls := 0
	results := []struct {
		cookie string
		err    error
	}{
		{err: errors.New("checkpoint required")},
		{cookie: ""},
		{cookie: "c_user=42"},
	}
	provider := relogin.LoginFunc(func(ctx context.Context, accountID, reason string) (string, error) {
		r := results[calls]
		calls++
		return r.cookie, r.err
	})

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("login"),
		reliability.WithFailureThreshold(2),
		reliability.WithCooldown(10*time.Minute),
		reliability.WithClock(func() time.Time { return now }))
	login := relogin.NewGuardedLogin(provider, breaker)
	assert.Same(t, breaker, login.Breaker())

	_, err := login.Login(ctx, "42", "timeout")
	assert.ErrorContains(t, err, "checkpoint required")

	_, err = login.Login(ctx, "42", "timeout")
	assert.ErrorIs(t, err, relogin.ErrLoginFailed)
	assert.Equal(t, reliability.StateOpen, breaker.State())

	_, err = login.Login(ctx, "42", "timeout")
	assert.ErrorIs(t, err, relogin.ErrLoginFailed)
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker does not launch the login")

	now = now.Add(10 * time.Minute)
	cookie, err := login.Login(ctx, "42", "timeout")
	require.NoError(t, err)
	assert.Equal(t, "c_user=42", cookie)
	assert.Equal(t, reliability.StateClosed, breaker.State())
}
