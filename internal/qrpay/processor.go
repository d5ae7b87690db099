package qrpay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/condo"
	"github.com/berniyo/condo-qrpay/internal/receipts"
)

// Event is the payload that asks for a QR payment to be confirmed.
type Event struct {
	PaymentID   int64          `json:"payment_id"`
	AutoApprove bool           `json:"auto_approve,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response statuses.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Response is emitted once a payment's QR session has ended.
type Response struct {
	PaymentID    int64  `json:"payment_id"`
	AttemptID    int64  `json:"attempt_id,omitempty"`
	Status       string `json:"status"`
	Found        bool   `json:"found"`
	AttemptState string `json:"attempt_state,omitempty"`
	PaymentState string `json:"payment_state,omitempty"`
	DocumentID   int64  `json:"document_id,omitempty"`
	Forced       bool   `json:"forced,omitempty"`
	Receipt      string `json:"receipt,omitempty"`
	Message      string `json:"message,omitempty"`
	Request      Event  `json:"request"`
}

// Notifier delivers session outcomes to whoever refreshes the payments
// list.
type Notifier interface {
	Notify(ctx context.Context, resp Response) error
}

// Processor runs one QR session per event and reports how it ended.
type Processor struct {
	api        API
	pollCfg    PollConfig
	log        logrus.FieldLogger
	metrics    *Metrics
	notifier   Notifier
	sink       receipts.Sink
	allowForce bool
	emitMargin time.Duration
}

// DefaultEmitMargin is how long before the invocation deadline the wait
// gives up, leaving time to deliver the expired outcome.
const DefaultEmitMargin = 5 * time.Second

// Option customizes the processor.
type Option func(*Processor)

// WithProcessorPollConfig overrides the poll bounds of every session.
func WithProcessorPollConfig(cfg PollConfig) Option {
	return func(p *Processor) { p.pollCfg = cfg }
}

// WithLogger lets callers supply a custom logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProcessorMetrics records session metrics.
func WithProcessorMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithNotifier wires the destination invoked after each session.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithProcessorReceiptSink stores receipts of forced approvals.
func WithProcessorReceiptSink(sink receipts.Sink) Option {
	return func(p *Processor) { p.sink = sink }
}

// AllowForceApprove lets events with AutoApprove force the approval.
func AllowForceApprove(enabled bool) Option {
	return func(p *Processor) { p.allowForce = enabled }
}

// WithEmitMargin sets how long before the ctx deadline the wait stops.
// It also bounds each outcome delivery.
func WithEmitMargin(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.emitMargin = d
		}
	}
}

// NewProcessor builds a Processor with default poll bounds.
func NewProcessor(api API, opts ...Option) *Processor {
	p := &Processor{
		api:        api,
		pollCfg:    DefaultPollConfig(),
		log:        logrus.StandardLogger(),
		emitMargin: DefaultEmitMargin,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle implements the Lambda entry point. A session that times out is
// reported as expired rather than returned as an error. When ctx carries a
// deadline the wait ends emitMargin before it, so the expired outcome is
// still delivered.
func (p *Processor) Handle(ctx context.Context, event Event) (Response, error) {
	if err := validateEvent(event); err != nil {
		return Response{}, err
	}
	if event.AutoApprove && !p.allowForce {
		return Response{}, ErrForceApproveDisabled
	}

	pollCfg := p.pollCfg
	waitCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		stopAt := deadline.Add(-p.emitMargin)
		if budget := time.Until(stopAt); budget > 0 && (pollCfg.Timeout <= 0 || budget < pollCfg.Timeout) {
			pollCfg.Timeout = budget
		}
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, stopAt)
		defer cancel()
	}

	log := p.log.WithField("payment_id", event.PaymentID)
	session := NewSession(p.api, condo.PaymentID(event.PaymentID),
		WithPollConfig(pollCfg),
		WithSessionLogger(p.log),
		WithMetrics(p.metrics),
		WithForceApprove(p.allowForce),
		WithReceiptSink(p.sink),
	)
	defer session.Close()

	attempt, err := session.Open(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("start qr attempt: %w", err)
	}
	log.WithField("attempt_id", attempt).Info("qr attempt started; waiting for confirmation")

	var receipt string
	if event.AutoApprove {
		approval, err := session.ForceApprove(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("force approve: %w", err)
		}
		receipt = approval.Location
	}

	outcome, err := session.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, ErrPollTimeout) || errors.Is(err, ErrPollExhausted) || errors.Is(err, context.DeadlineExceeded) {
			if outcome.AttemptState == "" {
				outcome.AttemptState = session.Status()
			}
			resp := Response{
				PaymentID:    event.PaymentID,
				AttemptID:    int64(attempt),
				Status:       StatusExpired,
				Found:        false,
				AttemptState: outcome.AttemptState,
				PaymentState: outcome.PaymentState,
				Message:      "payment not confirmed before the QR expired",
				Request:      event,
			}
			p.emit(ctx, resp)
			return resp, nil
		}
		return Response{}, err
	}

	resp := Response{
		PaymentID:    event.PaymentID,
		AttemptID:    int64(outcome.AttemptID),
		Status:       StatusRejected,
		Found:        true,
		AttemptState: outcome.AttemptState,
		PaymentState: outcome.PaymentState,
		DocumentID:   int64(outcome.DocumentID),
		Forced:       outcome.Forced,
		Receipt:      receipt,
		Request:      event,
	}
	if outcome.Phase == PhaseApproved {
		resp.Status = StatusApproved
	}
	p.emit(ctx, resp)
	return resp, nil
}

func validateEvent(event Event) error {
	if event.PaymentID <= 0 {
		return ErrNoPayment
	}
	return nil
}

// emit delivers resp on a context detached from the invocation, bounded by
// emitMargin.
func (p *Processor) emit(ctx context.Context, resp Response) {
	if p.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.emitMargin)
	defer cancel()
	if err := p.notifier.Notify(ctx, resp); err != nil {
		p.log.WithError(err).WithField("payment_id", resp.PaymentID).Error("outcome delivery failed")
	}
}
