package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-failover/config"
)

func TestMain(m *testing.M) {
	// Setup
	os.Setenv("ENVIRONMENT", "test")
	os.Setenv("LOG_LEVEL", "error")

	// Run tests
	code := m.Run()

	// Teardown
	os.Exit(code)
}

func TestNewServer(t *testing.T) {
	sc := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         9090,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 7 * time.Second,
	}
	handler := http.NotFoundHandler()

	srv := newServer(sc, handler)

	assert.Equal(t, "127.0.0.1:9090", srv.Addr)
	assert.Equal(t, 3*time.Second, srv.ReadTimeout)
	assert.Equal(t, 7*time.Second, srv.WriteTimeout)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	assert.NotNil(t, srv.Handler)
}

// freePort reserves an ephemeral port and releases it for the server
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	setEnv := func(t *testing.T, port int) {
		t.Setenv("SERVER_HOST", "127.0.0.1")
		t.Setenv("SERVER_PORT", strconv.Itoa(port))
		t.Setenv("SERVER_SHUTDOWN_TIMEOUT", "2s")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
		t.Setenv("ANTHROPIC_BASE_URL", upstream.URL)
		t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
		t.Setenv("OPENROUTER_BASE_URL", upstream.URL)
		t.Setenv("HEALTH_INTERVAL", "1h")
		t.Setenv("HEALTH_PROBE_TIMEOUT", "1s")
		t.Setenv("METRICS_ENABLED", "false")
		t.Setenv("DATABASE_URL", "")
		t.Setenv("DB_HOST", "")
	}

	t.Run("serves until cancelled", func(t *testing.T) {
		port := freePort(t)
		setEnv(t, port)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- run(ctx) }()

		url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
		require.Eventually(t, func() bool {
			resp, err := http.Get(url)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after cancellation")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		setEnv(t, freePort(t))
		t.Setenv("ROUTING_PRIMARY", "bogus")

		err := run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bogus")
	})

	t.Run("address in use", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		setEnv(t, l.Addr().(*net.TCPAddr).Port)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = run(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	})
}
