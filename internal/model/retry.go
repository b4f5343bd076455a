package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"planline/internal/logging"
)

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

// ApplyDefaults fills unset fields.
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

// Retrying retries transient failures with exponential backoff and paces
// calls through an optional limiter.
type Retrying struct {
	Next    Invoker
	Config  RetryConfig
	Limiter *rate.Limiter
	Log     *logging.Logger
}

func WithRetry(next Invoker, cfg RetryConfig, limiter *rate.Limiter, log *logging.Logger) *Retrying {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Nop()
	}
	return &Retrying{Next: next, Config: cfg, Limiter: limiter, Log: log}
}

func (r *Retrying) Invoke(ctx context.Context, req Request) (Response, error) {
	backoff := r.Config.InitialBackoff
	var last Response
	for attempt := 0; attempt <= r.Config.MaxRetries; attempt++ {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return Response{}, fmt.Errorf("model rate limiter: %w", err)
			}
		}
		resp, err := r.Next.Invoke(ctx, req)
		if err != nil {
			return resp, err
		}
		if resp.Success || !resp.Transient {
			if attempt > 0 && resp.Success {
				r.Log.Info(ctx, "model call recovered after retries", zap.String("agent", req.Agent), zap.Int("attempts", attempt))
			}
			return resp, nil
		}
		last = resp
		if attempt == r.Config.MaxRetries {
			break
		}
		r.Log.Warn(ctx, "retrying model call after transient failure",
			zap.String("agent", req.Agent),
			zap.Int("attempt", attempt+1),
			zap.String("error", resp.ErrorMessage),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("model call canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * r.Config.BackoffMultiplier)
			if backoff > r.Config.MaxBackoff {
				backoff = r.Config.MaxBackoff
			}
		}
	}
	last.ErrorMessage = fmt.Sprintf("model call failed after %d retries: %s", r.Config.MaxRetries, last.ErrorMessage)
	return last, nil
}
