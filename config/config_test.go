package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.RabbitMQ.Host)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, "/", cfg.RabbitMQ.VHost)
	assert.Equal(t, "fbchat.events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, 600*time.Second, cfg.RabbitMQ.Heartbeat)
	assert.Equal(t, "fbchat-bot", cfg.Service.Name)
	assert.Equal(t, "fbchat-bot", cfg.Service.Producer)
	assert.Zero(t, cfg.Subscriber.MaxRedeliveries)
	assert.Zero(t, cfg.Account.LoginTimeout)
	assert.Equal(t, 3, cfg.Account.FailureThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Account.FailureCooldown)
	assert.Equal(t, 5, cfg.Commands.Workers)
	assert.Equal(t, "/", cfg.Commands.Prefix)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.PollInterval)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.NoError(t, cfg.Validate(""))
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rabbitmq:
  host: rabbit.internal
  heartbeat: 30s
service:
  name: mini-fb-service
account:
  id: "100014184491456"
  login_command: /opt/login/run
  login_args: ["--headless", "--profile", "bot"]
  login_timeout: 2m
  failure_threshold: 5
subscriber:
  max_redeliveries: 5
  dead_letter: true
`), 0o600))

	t.Setenv("FBRELAY_RABBITMQ_HOST", "rabbit.env")
	t.Setenv("FBRELAY_ACCOUNT_SECRET", "hunter2")
	t.Setenv("FBRELAY_SERVICE_PRODUCER", "mini-fb")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rabbit.env", cfg.RabbitMQ.Host)
	assert.Equal(t, 30*time.Second, cfg.RabbitMQ.Heartbeat)
	assert.Equal(t, "mini-fb-service", cfg.Service.Name)
	assert.Equal(t, "mini-fb", cfg.Service.Producer)
	assert.Equal(t, "100014184491456", cfg.Account.ID)
	assert.Equal(t, "hunter2", cfg.Account.Secret)
	assert.Equal(t, []string{"--headless", "--profile", "bot"}, cfg.Account.LoginArgs)
	assert.Equal(t, 2*time.Minute, cfg.Account.LoginTimeout)
	assert.Equal(t, 5, cfg.Account.FailureThreshold)
	assert.Equal(t, 5, cfg.Subscriber.MaxRedeliveries)
	assert.True(t, cfg.Subscriber.DeadLetter)

	assert.NoError(t, cfg.Validate(RoleRelogin))

	settings := cfg.BrokerSettings()
	assert.Equal(t, "rabbit.env", settings.Host)
	assert.Equal(t, "mini-fb-service", settings.ConnectionName)
	assert.Equal(t, "fbchat.events", settings.Exchange)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	t.Run("relogin needs a login command and account", func(t *testing.T) {
		err := base.Validate(RoleRelogin)
		assert.ErrorContains(t, err, "account.login_command")
		assert.ErrorContains(t, err, "account.id")
	})

	t.Run("watch-cookies and report-disconnect need an account", func(t *testing.T) {
		assert.ErrorContains(t, base.Validate(RoleWatchCookies), "account.id")
		assert.ErrorContains(t, base.Validate(RoleReportDisconnect), "account.id")

		cfg := *base
		cfg.Account.ID = "42"
		assert.NoError(t, cfg.Validate(RoleWatchCookies))
		assert.NoError(t, cfg.Validate(RoleReportDisconnect))
	})

	t.Run("dispatch", func(t *testing.T) {
		assert.NoError(t, base.Validate(RoleDispatch))

		cfg := *base
		cfg.Commands.Workers = 0
		assert.ErrorContains(t, cfg.Validate(RoleDispatch), "commands.workers")
	})

	t.Run("shared settings", func(t *testing.T) {
		cfg := *base
		cfg.RabbitMQ.Port = 70000
		cfg.Logging.Level = "verbose"
		cfg.Subscriber.MaxRedeliveries = -1
		cfg.Account.FailureThreshold = -1
		err := cfg.Validate("")
		assert.ErrorContains(t, err, "rabbitmq.port")
		assert.ErrorContains(t, err, "logging.level")
		assert.ErrorContains(t, err, "max_redeliveries")
		assert.ErrorContains(t, err, "failure_threshold")

		assert.ErrorContains(t, base.Validate("bogus"), "unknown role")
	})
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "fbrelay.example.yaml"))
	require.NoError(t, err)

	for _, role := range []Role{RoleRelogin, RoleWatchCookies, RoleReportDisconnect, RoleDispatch, RoleAdmin} {
		assert.NoError(t, cfg.Validate(role), role)
	}
	assert.Equal(t, "fbchat-bot", cfg.Service.Name)

	t.Setenv("FBRELAY_SERVICE_NAME", "mini-fb-service")
	cfg, err = Load(filepath.Join("..", "fbrelay.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "mini-fb-service", cfg.Service.Name)
	assert.Equal(t, "mini-fb-service", cfg.Service.Producer)
}
