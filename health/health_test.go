package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/relogin"
)

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type fakeConsumer struct {
	consuming bool
}

func (c fakeConsumer) IsConsuming() bool { return c.consuming }
func (c fakeConsumer) Queue() string     { return "cookie.changed" }

func TestRegistryCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("all healthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBrokerChecker("consume", fakeConn(true)))
		r.Register(NewConsumerChecker(fakeConsumer{consuming: true}))
		r.SetMetadata("service", "fbchat-bot")

		report := r.Check(ctx)
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 2)
		assert.Equal(t, "fbchat-bot", report.Metadata["service"])
		assert.Equal(t, []string{"broker.consume", "consumer.cookie.changed"}, r.Names())
	})

	t.Run("worst status wins", func(t *testing.T) {
		tracker := relogin.NewStateTracker()
		tracker.Transition("42", relogin.StateFailed, "timeout", errors.New("checkpoint"))

		r := NewRegistry()
		r.Register(NewCredentialChecker(tracker))
		r.Register(NewBrokerChecker("publish", fakeConn(true)))

		report := r.Check(ctx)
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, "failed", report.Checks["credentials"].Details["42"])

		r.Register(NewBrokerChecker("consume", fakeConn(false)))
		report = r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "not connected", report.Checks["broker.consume"].Message)
	})

	t.Run("slow checks time out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		r := NewRegistry()
		r.Register(NewCheckerFunc("stuck", func(ctx context.Context) CheckResult {
			<-release
			return CheckResult{Name: "stuck", Status: StatusHealthy}
		}))
		r.Register(NewConsumerChecker(fakeConsumer{consuming: true}))

		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		report := r.Check(tctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		require.Contains(t, report.Checks, "stuck")
		assert.Equal(t, "check timed out", report.Checks["stuck"].Message)
	})
}
