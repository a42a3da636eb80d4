package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the relay
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by the relay
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, cfg amqp.Config) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the default Dialer backed by amqp.DialConfig
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// BrokerSettings holds everything needed to reach the broker. Values come
// from the config package; nothing here reads the environment.
type BrokerSettings struct {
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	Exchange       string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	ConnectionName string
}

// DefaultBrokerSettings mirrors the defaults shared by the bot and its services
func DefaultBrokerSettings() BrokerSettings {
	return BrokerSettings{
		Host:        "localhost",
		Port:        5672,
		User:        "guest",
		Password:    "guest",
		VHost:       "/",
		Exchange:    DefaultExchange,
		Heartbeat:   600 * time.Second,
		DialTimeout: 30 * time.Second,
	}
}

// URL renders the settings as an AMQP URI
func (s BrokerSettings) URL() string {
	vhost := s.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     s.Host,
		Port:     s.Port,
		Username: s.User,
		Password: s.Password,
		Vhost:    vhost,
	}.String()
}

// Validate reports settings no broker would accept
func (s BrokerSettings) Validate() error {
	switch {
	case s.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidSettings)
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSettings, s.Port)
	}
	return nil
}

// Address is host:port, safe to log
func (s BrokerSettings) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

func (s BrokerSettings) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if s.ConnectionName != "" {
		props.SetClientConnectionName(s.ConnectionName)
	}

	cfg := amqp.Config{
		Heartbeat:  s.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
	if s.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(s.DialTimeout)
	}
	return cfg
}
