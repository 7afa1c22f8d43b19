package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Client wraps a primary provider with a per-call timeout, bounded retries
// on retryable failures, and an optional fallback provider. The loop above
// it treats one Client call as one model round trip.
type Client struct {
	primary  ChatProvider
	fallback ChatProvider
	timeout  time.Duration
	retries  int
	logger   *zap.Logger
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	Primary  ChatProvider
	Fallback ChatProvider // optional
	Timeout  time.Duration
	Retries  int
	Logger   *zap.Logger
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	return &Client{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		timeout:  cfg.Timeout,
		retries:  cfg.Retries,
		logger:   cfg.Logger,
	}
}

// Chat performs one round trip. Retryable primary failures are retried with
// short backoff; if the primary is exhausted and a fallback is configured,
// the fallback gets one attempt before the error surfaces.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := c.attempt(ctx, c.primary, req, c.retries)
	if err == nil {
		return resp, nil
	}
	if c.fallback == nil {
		return nil, err
	}
	c.logger.Warn("primary provider exhausted, using fallback",
		zap.String("primary", c.primary.Name()),
		zap.String("fallback", c.fallback.Name()),
		zap.Error(err),
	)
	return c.attempt(ctx, c.fallback, req, 0)
}

func (c *Client) attempt(ctx context.Context, p ChatProvider, req *ChatRequest, retries int) (*ChatResponse, error) {
	var lastErr error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 500 * time.Millisecond):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := p.Chat(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var perr *Error
		if errors.As(err, &perr) && !perr.Retryable {
			break
		}
		c.logger.Warn("provider call failed",
			zap.String("provider", p.Name()),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}
