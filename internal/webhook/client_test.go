package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/trader"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a Client configured to use it.
func setupTestServer(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)

	c := &Client{
		client:  resty.New().SetHeader("Content-Type", "application/json"),
		url:     server.URL + "/events",
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		backoff: time.Millisecond,
	}
	return c, server
}

func TestOnPositionOpen(t *testing.T) {
	// Arrange
	var got Event
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	c, server := setupTestServer(handler)
	defer server.Close()

	p := trader.Position{ID: "pos-1", SessionID: "s1", Symbol: "EURUSD", Direction: trader.Long, EntryPrice: 1.1, Status: trader.StatusOpen}

	// Act
	err := c.OnPositionOpen(context.Background(), p)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, EventPositionOpen, got.Event)
	assert.Equal(t, "s1", got.SessionID)
	require.NotNil(t, got.Position)
	assert.Equal(t, "pos-1", got.Position.ID)
	assert.Nil(t, got.Stats)
}

func TestOnSessionUpdate(t *testing.T) {
	var got Event
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	c, server := setupTestServer(handler)
	defer server.Close()

	err := c.OnSessionUpdate(context.Background(), "s1", trader.Stats{TotalTrades: 3, NetPL: 4.5})

	require.NoError(t, err)
	assert.Equal(t, EventSessionUpdate, got.Event)
	require.NotNil(t, got.Stats)
	assert.Equal(t, 3, got.Stats.TotalTrades)
	assert.Equal(t, 4.5, got.Stats.NetPL)
}

func TestRetries(t *testing.T) {
	t.Run("ServerErrorThenSuccess", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		// Act
		err := c.OnPositionClose(context.Background(), trader.Position{ID: "pos-1"})

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("GivesUpAfterMaxRetries", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		err := c.OnPositionClose(context.Background(), trader.Position{ID: "pos-1"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to post position_close event")
		assert.Contains(t, err.Error(), "request failed after 3 attempts")
		assert.Equal(t, int32(maxRetries), calls.Load())
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad event"}`))
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		err := c.OnPositionOpen(context.Background(), trader.Position{ID: "pos-1"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad event")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("ContextCancelledDuringBackoff", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := c.OnPositionOpen(ctx, trader.Position{ID: "pos-1"})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNewClient(t *testing.T) {
	c := NewClient(&config.Webhook{URL: "http://example.invalid/hook", Timeout: time.Second}, zap.NewNop())

	assert.Equal(t, "http://example.invalid/hook", c.url)
	assert.Equal(t, rate.Inf, c.limiter.Limit())
	assert.Equal(t, time.Second, c.backoff)
}
