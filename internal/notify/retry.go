package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/backoff"
	"github.com/berniyo/condo-qrpay/internal/config"
)

// RetryConfig bounds delivery retries for every notifier.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// RetryConfigFrom maps the KAFKA_RETRY_* settings onto a RetryConfig.
func RetryConfigFrom(cfg config.Kafka) RetryConfig {
	return RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      true,
	}
}

// withDefaults fills zero settings with 5 attempts from 100ms up to 10s.
func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 100 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 10 * time.Second
	}
	return r
}

func (r RetryConfig) policy() backoff.Policy {
	return backoff.Policy{Base: r.BaseDelay, Max: r.MaxDelay, Jitter: r.Jitter}
}

// permanentError stops deliver from retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// deliver calls send until it succeeds, fails permanently, runs out of
// attempts or ctx ends.
func deliver(ctx context.Context, retry RetryConfig, log logrus.FieldLogger, target string, send func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		err := send(ctx)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempts", attempt+1).Info("outcome delivered after retry")
			}
			return nil
		}

		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("deliver outcome to %s: %w", target, perm.err)
		}
		if attempt == retry.MaxAttempts-1 {
			break
		}

		delay := retry.policy().Delay(attempt)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt + 1,
			"retry_in": delay,
		}).Warn("outcome delivery failed")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("deliver outcome to %s after %d attempts: %w", target, retry.MaxAttempts, lastErr)
}
