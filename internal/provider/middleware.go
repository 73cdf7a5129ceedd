package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"flowforge/internal/logging"
)

type retrying struct {
	Provider
	maxRetries uint64
	initial    time.Duration
	logger     *logging.Logger
}

// WithRetry retries rate_limited and transient failures with exponential
// backoff, up to maxRetries extra attempts. Other kinds return at once.
func WithRetry(p Provider, maxRetries int, logger *logging.Logger) Provider {
	if maxRetries <= 0 {
		return p
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &retrying{Provider: p, maxRetries: uint64(maxRetries), initial: 500 * time.Millisecond, logger: logger}
}

func (r *retrying) Execute(ctx context.Context, req *Request) (*Output, error) {
	var out *Output
	op := func() error {
		res, err := r.Provider.Execute(ctx, req)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initial
	exp.MaxInterval = 10 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(exp, r.maxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Retrying provider call", "provider", r.ID(), "kind", Classify(err), "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return out, nil
}

type limited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit bounds the request rate to a provider. A non-positive rate
// disables limiting.
func WithRateLimit(p Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limited) Execute(ctx context.Context, req *Request) (*Output, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, NewError(KindRateLimited, l.ID(), "rate limiter wait aborted", err)
	}
	return l.Provider.Execute(ctx, req)
}
