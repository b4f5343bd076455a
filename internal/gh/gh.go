// Package gh builds authenticated GitHub API clients and retries their calls.
package gh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"planline/internal/logging"
)

// NewClient returns a GitHub client authenticated with token. baseURL
// overrides the API endpoint for GitHub Enterprise and tests.
func NewClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	if token == "" {
		return nil, errors.New("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		if err := SetBaseURL(c, baseURL); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetBaseURL points c at a different API root.
func SetBaseURL(c *github.Client, raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid github base url: %w", err)
	}
	c.BaseURL = u
	return nil
}

type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// Do runs op, retrying rate limits and server errors with exponential
// backoff. Client errors are returned at once.
func Do(ctx context.Context, cfg RetryConfig, log *logging.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Nop()
	}
	var (
		lastErr  error
		lastResp *github.Response
	)
	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				log.Info(ctx, "github call recovered after retries", zap.Int("attempts", attempt))
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp
		if ctx.Err() != nil || !Retryable(err, resp) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if isRateLimit(resp) {
			backoff = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		log.Info(ctx, "retrying github call",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", StatusCode(resp)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	log.Warn(ctx, "github call failed after retries",
		zap.Int("attempts", cfg.MaxRetries+1),
		zap.Int("status_code", StatusCode(lastResp)),
		zap.Error(lastErr),
	)
	return lastResp, fmt.Errorf("github call failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Retryable reports whether a failed call may succeed when repeated.
func Retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.Response.StatusCode; {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// secondary rate limit
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case code >= 500 && code < 600:
		return true
	default:
		return false
	}
}

func isRateLimit(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	code := resp.Response.StatusCode
	return (code == http.StatusTooManyRequests || code == http.StatusForbidden) && resp.Rate.Remaining == 0 && !resp.Rate.Reset.IsZero()
}

func rateLimitBackoff(resp *github.Response, max time.Duration) time.Duration {
	d := time.Until(resp.Rate.Reset.Time) + time.Second
	if d < time.Second {
		d = time.Second
	}
	if d > max {
		d = max
	}
	return d
}

// StatusCode returns the HTTP status of resp or 0.
func StatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
