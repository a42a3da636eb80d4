package relogin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fbchat/relay/internal/reliability"
)

// ErrLoginFailed covers every unsuccessful login. Wrong credentials and a
// verification challenge are not told apart.
var ErrLoginFailed = errors.New("relogin: login failed")

// LoginProvider performs the slow browser login and returns a fresh cookie.
// Logging in again for an account whose cookie is already fresh must be
// harmless, since a redelivered disconnect event repeats the call.
type LoginProvider interface {
	Login(ctx context.Context, accountID, reason string) (string, error)
}

// LoginFunc is a function adapter for LoginProvider
type LoginFunc func(ctx context.Context, accountID, reason string) (string, error)

// Login implements LoginProvider
func (f LoginFunc) Login(ctx context.Context, accountID, reason string) (string, error) {
	return f(ctx, accountID, reason)
}

// Environment variables passed to the login command
const (
	EnvLoginAccount = "FBRELAY_LOGIN_ACCOUNT"
	EnvLoginSecret  = "FBRELAY_LOGIN_SECRET"
	EnvLoginReason  = "FBRELAY_LOGIN_REASON"
	EnvAccountID    = "FBRELAY_ACCOUNT_ID"
)

// CommandLogin runs an external browser-automation program. The login
// identifier and secret are passed through the environment, never argv, and
// the cookie is read from trimmed stdout.
type CommandLogin struct {
	Path string
	Args []string
	// Username is the login identifier; the account id is used when empty
	Username string
	Secret   string
	// Timeout bounds one login; zero waits as long as ctx allows
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ LoginProvider = (*CommandLogin)(nil)

// Login implements LoginProvider
func (c *CommandLogin) Login(ctx context.Context, accountID, reason string) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	username := c.Username
	if username == "" {
		username = accountID
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(),
		EnvLoginAccount+"="+username,
		EnvLoginSecret+"="+c.Secret,
		EnvLoginReason+"="+reason,
		EnvAccountID+"="+accountID,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of a killed command may hold the output pipes open
	cmd.WaitDelay = time.Second

	start := time.Now()
	logger.Info("running login command",
		"command", c.Path,
		"accountId", accountID,
		"reason", reason)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", ErrLoginFailed, ctxErr)
		}
		return "", fmt.Errorf("%w: %s: %w (stderr: %s)", ErrLoginFailed, c.Path, err, tail(stderr.String(), 512))
	}

	cookie := strings.TrimSpace(stdout.String())
	if cookie == "" {
		return "", fmt.Errorf("%w: %s printed no cookie", ErrLoginFailed, c.Path)
	}

	logger.Info("login command succeeded",
		"accountId", accountID,
		"duration", time.Since(start))
	return cookie, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// GuardedLogin stops launching logins after repeated failures until the
// breaker's cooldown has passed. An empty cookie counts as a failure. A
// refused call matches both ErrLoginFailed and reliability.ErrCircuitOpen.
type GuardedLogin struct {
	provider LoginProvider
	breaker  *reliability.CircuitBreaker
}

var _ LoginProvider = (*GuardedLogin)(nil)

// NewGuardedLogin wraps provider with breaker
func NewGuardedLogin(provider LoginProvider, breaker *reliability.CircuitBreaker) *GuardedLogin {
	return &GuardedLogin{provider: provider, breaker: breaker}
}

// Breaker returns the breaker guarding the provider
func (g *GuardedLogin) Breaker() *reliability.CircuitBreaker {
	return g.breaker
}

// Login implements LoginProvider
func (g *GuardedLogin) Login(ctx context.Context, accountID, reason string) (string, error) {
	var cookie string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		cookie, err = g.provider.Login(ctx, accountID, reason)
		if err == nil && cookie == "" {
			err = fmt.Errorf("%w: empty cookie", ErrLoginFailed)
		}
		return err
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		return "", fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err != nil {
		return "", err
	}
	return cookie, nil
}
