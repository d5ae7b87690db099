package qrpay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/backoff"
	"github.com/berniyo/condo-qrpay/internal/condo"
	"github.com/berniyo/condo-qrpay/internal/config"
)

// StatusAPI is what the poller needs from the backend.
type StatusAPI interface {
	AttemptStatus(ctx context.Context, attempt condo.AttemptID) (*condo.AttemptStatus, error)
}

// PollConfig bounds the status poll. Zero MaxAttempts or Timeout means
// unbounded.
type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Jitter      bool
}

// DefaultPollConfig polls every 2s, backs off to 30s on errors and gives up
// after the 15 minute QR lifetime.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    2 * time.Second,
		MaxInterval: 30 * time.Second,
		Timeout:     15 * time.Minute,
	}
}

// PollConfigFrom maps the QRPAY_POLL_* settings onto a PollConfig.
func PollConfigFrom(c config.Poll) PollConfig {
	return PollConfig{
		Interval:    c.Interval,
		MaxInterval: c.MaxInterval,
		MaxAttempts: c.MaxAttempts,
		Timeout:     c.Timeout,
		Jitter:      c.Jitter,
	}
}

func (c PollConfig) normalized() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	return c
}

// PollResult is the terminal status observed by the poller.
type PollResult struct {
	Phase    Phase
	Status   *condo.AttemptStatus
	Attempts int
}

// Poller checks an attempt's status until it reaches a terminal phase.
// The next check is scheduled only after the previous one returned, so
// requests never overlap.
type Poller struct {
	api     StatusAPI
	cfg     PollConfig
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewPoller builds a Poller. A nil log falls back to the standard logger
// and a nil metrics records nothing.
func NewPoller(api StatusAPI, cfg PollConfig, log logrus.FieldLogger, metrics *Metrics) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{api: api, cfg: cfg.normalized(), log: log, metrics: metrics}
}

// Run polls until a terminal phase, ctx cancellation, the timeout or the
// attempt budget. onStatus receives every non-terminal status.
// Failed checks are logged and retried with capped exponential backoff.
func (p *Poller) Run(ctx context.Context, attempt condo.AttemptID, onStatus func(*condo.AttemptStatus)) (PollResult, error) {
	if attempt <= 0 {
		return PollResult{}, ErrNoAttempt
	}

	pollCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	log := p.log.WithField("attempt_id", attempt)
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	attempts, failures := 0, 0
	for {
		select {
		case <-pollCtx.Done():
			return PollResult{Attempts: attempts}, p.stopReason(ctx, pollCtx)
		case <-timer.C:
		}

		attempts++
		st, err := p.api.AttemptStatus(pollCtx, attempt)
		if pollCtx.Err() != nil {
			return PollResult{Attempts: attempts}, p.stopReason(ctx, pollCtx)
		}

		var next time.Duration
		if err != nil {
			failures++
			p.metrics.observePoll(false)
			next = p.backoff(failures)
			log.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": next,
			}).Debug("attempt status check failed")
		} else {
			failures = 0
			p.metrics.observePoll(true)
			if phase := Classify(st); phase.Terminal() {
				log.WithField("phase", phase).Info("attempt reached terminal state")
				return PollResult{Phase: phase, Status: st, Attempts: attempts}, nil
			}
			if onStatus != nil {
				onStatus(st)
			}
			next = p.cfg.Interval
		}

		if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			return PollResult{Phase: PhasePending, Status: st, Attempts: attempts}, ErrPollExhausted
		}
		timer.Reset(next)
	}
}

func (p *Poller) stopReason(parent, pollCtx context.Context) error {
	if parent.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		return ErrPollTimeout
	}
	if err := parent.Err(); err != nil {
		return err
	}
	return pollCtx.Err()
}

func (p *Poller) backoff(failures int) time.Duration {
	return backoff.Policy{Base: p.cfg.Interval, Max: p.cfg.MaxInterval, Jitter: p.cfg.Jitter}.Delay(failures)
}
