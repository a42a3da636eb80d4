package health

import (
	"context"
	"time"

	"github.com/fbchat/relay/relogin"
)

// ConnectionStatus is satisfied by the broker connection manager
type ConnectionStatus interface {
	IsConnected() bool
}

// BrokerChecker reports a broker connection. A manager that is reconnecting
// is unhealthy until its channel is back.
type BrokerChecker struct {
	name string
	conn ConnectionStatus
}

// NewBrokerChecker creates a checker named after the connection's role
func NewBrokerChecker(role string, conn ConnectionStatus) *BrokerChecker {
	return &BrokerChecker{name: "broker." + role, conn: conn}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "connected",
		Timestamp: time.Now(),
	}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}

// ConsumerStatus is satisfied by the broker consumer
type ConsumerStatus interface {
	IsConsuming() bool
	Queue() string
}

// ConsumerChecker reports whether a queue is being consumed
type ConsumerChecker struct {
	consumer ConsumerStatus
}

// NewConsumerChecker creates a checker for consumer
func NewConsumerChecker(consumer ConsumerStatus) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return "consumer." + c.consumer.Queue()
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "consuming",
		Timestamp: time.Now(),
		Details:   map[string]any{"queue": c.consumer.Queue()},
	}
	if !c.consumer.IsConsuming() {
		result.Status = StatusUnhealthy
		result.Message = "not consuming"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}

// CredentialChecker degrades while any account's last login failed
type CredentialChecker struct {
	tracker *relogin.StateTracker
}

// NewCredentialChecker creates a checker over tracker
func NewCredentialChecker(tracker *relogin.StateTracker) *CredentialChecker {
	return &CredentialChecker{tracker: tracker}
}

func (c *CredentialChecker) Name() string {
	return "credentials"
}

func (c *CredentialChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details:   make(map[string]any),
	}

	for _, account := range c.tracker.Snapshot() {
		result.Details[account.AccountID] = account.State.String()
		if account.State == relogin.StateFailed {
			result.Status = worse(result.Status, StatusDegraded)
			result.Message = "login failed for " + account.AccountID
		}
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}
