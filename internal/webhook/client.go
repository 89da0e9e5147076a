package webhook

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/trader"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Event names sent in the "event" field.
const (
	EventPositionOpen  = "position_open"
	EventPositionClose = "position_close"
	EventSessionUpdate = "session_update"
)

const maxRetries = 3

// Event is the JSON body posted for every gateway call.
type Event struct {
	Event     string           `json:"event"`
	SessionID string           `json:"session_id,omitempty"`
	Position  *trader.Position `json:"position,omitempty"`
	Stats     *trader.Stats    `json:"stats,omitempty"`
	SentAt    time.Time        `json:"sent_at"`
}

// Client posts position and session events to an external endpoint.
// It implements trader.Gateway.
type Client struct {
	client  *resty.Client
	url     string
	logger  *zap.Logger
	limiter *rate.Limiter
	backoff time.Duration // first retry delay, doubled on every attempt
}

// ensure Client implements the gateway interface
var _ trader.Gateway = (*Client)(nil)

// NewClient creates a webhook client for cfg.URL.
func NewClient(cfg *config.Webhook, logger *zap.Logger) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	// rate.Limit is requests per second; zero disables limiting.
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, max(cfg.RateLimitBurst, 1))

	return &Client{
		client:  client,
		url:     cfg.URL,
		logger:  logger,
		limiter: limiter,
		backoff: time.Second,
	}
}

// OnPositionOpen posts a position_open event.
func (c *Client) OnPositionOpen(ctx context.Context, p trader.Position) error {
	return c.send(ctx, Event{Event: EventPositionOpen, SessionID: p.SessionID, Position: &p})
}

// OnPositionClose posts a position_close event.
func (c *Client) OnPositionClose(ctx context.Context, p trader.Position) error {
	return c.send(ctx, Event{Event: EventPositionClose, SessionID: p.SessionID, Position: &p})
}

// OnSessionUpdate posts a session_update event.
func (c *Client) OnSessionUpdate(ctx context.Context, sessionID string, st trader.Stats) error {
	return c.send(ctx, Event{Event: EventSessionUpdate, SessionID: sessionID, Stats: &st})
}

func (c *Client) send(ctx context.Context, ev Event) error {
	ev.SentAt = time.Now().UTC()
	req := c.client.R().SetContext(ctx).SetBody(ev)
	if _, err := c.doRequest(ctx, http.MethodPost, req); err != nil {
		return fmt.Errorf("failed to post %s event: %w", ev.Event, err)
	}
	return nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.url))
		resp, err = req.Execute(method, c.url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else if ctx.Err() == nil { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}
		if err == nil {
			err = fmt.Errorf("status %s", resp.Status())
		}
		if i == maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
