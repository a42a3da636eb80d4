package ops

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/commands"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/metrics"
	"github.com/fbchat/relay/relogin"
)

var quiet = slog.New(slog.DiscardHandler)

type connFlag bool

func (c connFlag) IsConnected() bool { return bool(c) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	tracker := relogin.NewStateTracker(collector)
	tracker.Transition("42", relogin.StateStale, "timeout", nil)

	checks := health.NewRegistry()
	checks.Register(health.NewBrokerChecker("consume", connFlag(true)))

	registry, err := commands.NewRegistry(commands.Builtins()...)
	require.NoError(t, err)

	srv := NewServer(":0",
		WithHealth(checks),
		WithGatherer(reg),
		WithStateTracker(tracker),
		WithCommands(registry),
		WithLogger(quiet))

	t.Run("livez", func(t *testing.T) {
		rec := get(t, srv, "/livez")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
	})

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, srv, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)

		var report health.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "broker.consume")
	})

	t.Run("accounts", func(t *testing.T) {
		rec := get(t, srv, "/accounts")
		assert.Equal(t, http.StatusOK, rec.Code)

		var accounts []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
		require.Len(t, accounts, 1)
		assert.Equal(t, "42", accounts[0]["account_id"])
		assert.Equal(t, "stale", accounts[0]["state"])

		assert.Equal(t, http.StatusOK, get(t, srv, "/accounts/42").Code)
		assert.Equal(t, http.StatusNotFound, get(t, srv, "/accounts/7").Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, srv, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `fbrelay_credential_state{account="42",state="stale"} 1`)
	})

	t.Run("commands", func(t *testing.T) {
		rec := get(t, srv, "/commands")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"ping"`)
	})
}

func TestServerUnhealthy(t *testing.T) {
	checks := health.NewRegistry()
	checks.Register(health.NewBrokerChecker("publish", connFlag(false)))
	srv := NewServer(":0", WithHealth(checks), WithLogger(quiet))

	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/healthz").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/accounts").Code, "routes without a backing component are absent")
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/metrics").Code)
}

func TestServerServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/livez")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "alive")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
