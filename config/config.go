// Package config loads the relay configuration from defaults, an optional
// YAML file and FBRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fbchat/relay/internal/rabbitmq"
)

// EnvPrefix prefixes every environment override, e.g. FBRELAY_RABBITMQ_HOST
const EnvPrefix = "FBRELAY"

// Config is the complete relay configuration
type Config struct {
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Service    ServiceConfig    `mapstructure:"service"`
	Account    AccountConfig    `mapstructure:"account"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Commands   CommandsConfig   `mapstructure:"commands"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RabbitMQConfig holds broker connection settings
type RabbitMQConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	VHost            string        `mapstructure:"vhost"`
	Exchange         string        `mapstructure:"exchange"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ConfirmPublishes bool          `mapstructure:"confirm_publishes"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
}

// ServiceConfig names the running process
type ServiceConfig struct {
	Name string `mapstructure:"name"`
	// Producer is stamped on published envelopes; defaults to Name
	Producer string `mapstructure:"producer"`
}

// AccountConfig identifies the chat account and how to log it in
type AccountConfig struct {
	ID           string        `mapstructure:"id"`
	Username     string        `mapstructure:"username"`
	Secret       string        `mapstructure:"secret"`
	LoginCommand string        `mapstructure:"login_command"`
	LoginArgs    []string      `mapstructure:"login_args"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
	// FailureThreshold consecutive failed logins pause logging in for
	// FailureCooldown; zero disables the pause
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureCooldown  time.Duration `mapstructure:"failure_cooldown"`
}

// SubscriberConfig tunes event consumption
type SubscriberConfig struct {
	MaxRedeliveries      int           `mapstructure:"max_redeliveries"`
	AttemptTTL           time.Duration `mapstructure:"attempt_ttl"`
	DeadLetter           bool          `mapstructure:"dead_letter"`
	SingleActiveConsumer bool          `mapstructure:"single_active_consumer"`
}

// RedisConfig points at the shared redelivery attempt store. An empty URL
// keeps attempts in memory.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// OpsConfig holds the health and metrics listener
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CommandsConfig tunes chat command execution
type CommandsConfig struct {
	Workers int    `mapstructure:"workers"`
	Prefix  string `mapstructure:"prefix"`
	SelfID  string `mapstructure:"self_id"`
}

// SessionConfig locates the files shared with the chat process
type SessionConfig struct {
	CookieFile   string        `mapstructure:"cookie_file"`
	InboundFile  string        `mapstructure:"inbound_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Role is the process a configuration is validated for
type Role string

const (
	RoleRelogin          Role = "relogin"
	RoleWatchCookies     Role = "watch-cookies"
	RoleReportDisconnect Role = "report-disconnect"
	RoleDispatch         Role = "dispatch"
	RoleAdmin            Role = "admin"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.exchange", rabbitmq.DefaultExchange)
	v.SetDefault("rabbitmq.heartbeat", "600s")
	v.SetDefault("rabbitmq.dial_timeout", "30s")
	v.SetDefault("rabbitmq.confirm_publishes", false)
	v.SetDefault("rabbitmq.confirm_timeout", "5s")

	v.SetDefault("service.name", "fbchat-bot")
	v.SetDefault("service.producer", "")

	v.SetDefault("account.id", "")
	v.SetDefault("account.username", "")
	v.SetDefault("account.secret", "")
	v.SetDefault("account.login_command", "")
	v.SetDefault("account.login_args", []string{})
	v.SetDefault("account.login_timeout", "0s")
	v.SetDefault("account.failure_threshold", 3)
	v.SetDefault("account.failure_cooldown", "15m")

	v.SetDefault("subscriber.max_redeliveries", 0)
	v.SetDefault("subscriber.attempt_ttl", "24h")
	v.SetDefault("subscriber.dead_letter", false)
	v.SetDefault("subscriber.single_active_consumer", false)

	v.SetDefault("redis.url", "")

	v.SetDefault("ops.addr", ":9090")

	v.SetDefault("commands.workers", 5)
	v.SetDefault("commands.prefix", "/")
	v.SetDefault("commands.self_id", "")

	v.SetDefault("session.cookie_file", "cookie.txt")
	v.SetDefault("session.inbound_file", ".mqttMessage")
	v.SetDefault("session.poll_interval", "100ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configPath when given, otherwise fbrelay.yaml from the working
// directory or /etc/fbrelay if present. Environment variables override both.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fbrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fbrelay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Service.Producer == "" {
		cfg.Service.Producer = cfg.Service.Name
	}

	return &cfg, nil
}

// Validate checks the settings every process needs plus those required by
// role. All problems are reported together.
func (c *Config) Validate(role Role) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.RabbitMQ.Host == "" {
		fail("rabbitmq.host is required")
	}
	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		fail("rabbitmq.port %d out of range", c.RabbitMQ.Port)
	}
	if c.RabbitMQ.Exchange == "" {
		fail("rabbitmq.exchange is required")
	}
	if c.Service.Name == "" {
		fail("service.name is required")
	}
	if c.Account.FailureThreshold < 0 {
		fail("account.failure_threshold must not be negative")
	}
	if c.Subscriber.MaxRedeliveries < 0 {
		fail("subscriber.max_redeliveries must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		fail("logging.format %q is not json or text", c.Logging.Format)
	}

	switch role {
	case RoleRelogin:
		if c.Account.LoginCommand == "" {
			fail("account.login_command is required for %s", role)
		}
		if c.Account.ID == "" {
			fail("account.id is required for %s", role)
		}
	case RoleWatchCookies:
		if c.Account.ID == "" {
			fail("account.id is required for %s", role)
		}
		if c.Session.CookieFile == "" {
			fail("session.cookie_file is required for %s", role)
		}
	case RoleReportDisconnect:
		if c.Account.ID == "" {
			fail("account.id is required for %s", role)
		}
	case RoleDispatch:
		if c.Session.InboundFile == "" {
			fail("session.inbound_file is required for %s", role)
		}
		if c.Commands.Workers <= 0 {
			fail("commands.workers must be positive")
		}
	case RoleAdmin, "":
	default:
		fail("unknown role %q", role)
	}

	return errors.Join(errs...)
}

// BrokerSettings converts the rabbitmq section for the connection manager
func (c *Config) BrokerSettings() rabbitmq.BrokerSettings {
	return rabbitmq.BrokerSettings{
		Host:           c.RabbitMQ.Host,
		Port:           c.RabbitMQ.Port,
		User:           c.RabbitMQ.User,
		Password:       c.RabbitMQ.Password,
		VHost:          c.RabbitMQ.VHost,
		Exchange:       c.RabbitMQ.Exchange,
		Heartbeat:      c.RabbitMQ.Heartbeat,
		DialTimeout:    c.RabbitMQ.DialTimeout,
		ConnectionName: c.Service.Name,
	}
}
