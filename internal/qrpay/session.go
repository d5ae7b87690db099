package qrpay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/condo"
	"github.com/berniyo/condo-qrpay/internal/receipts"
)

// Approval is the result of a forced approval.
type Approval struct {
	DocumentID condo.DocumentID
	Receipt    *condo.Blob
	Location   string
	ReceiptErr error
}

// Session is one QR payment confirmation: it starts an attempt, holds its
// QR image and polls until the payment is approved, rejected or the
// session is closed.
type Session struct {
	api        API
	payment    condo.PaymentID
	pollCfg    PollConfig
	poller     *Poller
	presenter  *Presenter
	log        logrus.FieldLogger
	metrics    *Metrics
	allowForce bool
	sink       receipts.Sink
	onApproved func(Outcome)
	onStatus   func(string)

	ctx        context.Context
	cancel     context.CancelFunc
	pollCtx    context.Context
	pollCancel context.CancelFunc

	opened   atomic.Bool
	openOnce sync.Once
	openErr  error

	mu      sync.Mutex
	attempt condo.AttemptID
	status  string
	qrErr   error
	outcome Outcome
	started time.Time

	forceMu   sync.Mutex
	finished  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithPollConfig overrides the status poll bounds.
func WithPollConfig(cfg PollConfig) SessionOption {
	return func(s *Session) { s.pollCfg = cfg }
}

// WithSessionLogger lets callers supply a custom logger.
func WithSessionLogger(l logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records poll and outcome metrics.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithForceApprove enables ForceApprove. Only meant for development
// backends.
func WithForceApprove(enabled bool) SessionOption {
	return func(s *Session) { s.allowForce = enabled }
}

// WithReceiptSink stores the receipt of a forced approval.
func WithReceiptSink(sink receipts.Sink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

// OnApproved registers fn to run once when the payment is approved. It
// runs before Done is closed, so it must not call Wait.
func OnApproved(fn func(Outcome)) SessionOption {
	return func(s *Session) { s.onApproved = fn }
}

// OnStatus registers fn to receive every observed attempt state.
func OnStatus(fn func(string)) SessionOption {
	return func(s *Session) { s.onStatus = fn }
}

// NewSession prepares a session for payment. Nothing reaches the backend
// until Open.
func NewSession(api API, payment condo.PaymentID, opts ...SessionOption) *Session {
	s := &Session{
		api:     api,
		payment: payment,
		pollCfg: DefaultPollConfig(),
		log:     logrus.StandardLogger(),
		status:  condo.AttemptPending,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.WithField("payment_id", payment)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pollCtx, s.pollCancel = context.WithCancel(s.ctx)
	s.poller = NewPoller(api, s.pollCfg, s.log, s.metrics)
	s.presenter = NewPresenter(api)
	return s
}

// Open starts the QR attempt and the status poll. Only the first call
// reaches the backend; later calls return the same attempt or error.
// A QR image that cannot be fetched does not fail Open; QR reports it.
func (s *Session) Open(ctx context.Context) (condo.AttemptID, error) {
	if s.ctx.Err() != nil {
		return 0, ErrSessionClosed
	}
	s.openOnce.Do(func() {
		s.opened.Store(true)
		s.openErr = s.open(ctx)
	})
	return s.Attempt(), s.openErr
}

func (s *Session) open(ctx context.Context) error {
	if s.payment <= 0 {
		s.finish(Outcome{Phase: PhasePending, Err: ErrNoPayment})
		return ErrNoPayment
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	attempt, err := s.api.StartQRAttempt(opCtx, s.payment)
	if err != nil {
		if s.ctx.Err() != nil {
			err = ErrSessionClosed
		}
		s.finish(Outcome{PaymentID: s.payment, Phase: PhasePending, Err: err})
		return err
	}

	s.mu.Lock()
	s.attempt = attempt
	s.mu.Unlock()
	log := s.log.WithField("attempt_id", attempt)
	log.Info("qr attempt started")

	if _, err := s.presenter.Load(opCtx, attempt); err != nil {
		s.mu.Lock()
		s.qrErr = err
		s.mu.Unlock()
		log.WithError(err).Warn("qr image unavailable")
	}

	go s.poll(attempt)
	return nil
}

func (s *Session) poll(attempt condo.AttemptID) {
	res, err := s.poller.Run(s.pollCtx, attempt, s.observe)

	o := Outcome{PaymentID: s.payment, AttemptID: attempt, Phase: res.Phase}
	if o.Phase == "" {
		o.Phase = PhasePending
	}
	if res.Status != nil {
		o.AttemptState = res.Status.AttemptState
		o.PaymentState = res.Status.PaymentState
		if err == nil {
			s.observe(res.Status)
		}
	}
	if err != nil {
		if s.ctx.Err() != nil {
			err = ErrSessionClosed
		}
		o.Err = err
	}
	s.finish(o)
}

func (s *Session) observe(st *condo.AttemptStatus) {
	state := st.AttemptState
	if st.PaymentState == condo.PaymentApproved || st.PaymentState == condo.PaymentRejected {
		state = st.PaymentState
	}
	if state == "" {
		return
	}
	s.mu.Lock()
	s.status = state
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(state)
	}
}

// Attempt returns the started attempt id, or zero before Open succeeds.
func (s *Session) Attempt() condo.AttemptID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Status returns the last known attempt state, PENDIENTE until the first
// status check answers.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QR returns a copy of the image to display while the session is
// waiting. The copy stays valid after the session ends.
func (s *Session) QR() (*QRImage, error) {
	if s.finished.Load() {
		return nil, ErrSessionClosed
	}
	attempt := s.Attempt()
	if attempt == 0 {
		return nil, ErrSessionNotOpen
	}
	if img := s.presenter.Current(); img != nil && img.AttemptID == attempt {
		return img, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qrErr != nil {
		return nil, s.qrErr
	}
	return nil, ErrSessionClosed
}

// ForceApprove asks the backend to validate the attempt without a bank
// confirmation. On success the session resolves as approved, then the
// receipt, if any, is downloaded and handed to the receipt sink. Receipt
// failures are reported on the Approval and never undo the approval.
func (s *Session) ForceApprove(ctx context.Context) (*Approval, error) {
	if !s.allowForce {
		return nil, ErrForceApproveDisabled
	}
	if s.finished.Load() {
		return nil, ErrSessionClosed
	}
	attempt := s.Attempt()
	if attempt == 0 {
		return nil, ErrSessionNotOpen
	}
	if !s.forceMu.TryLock() {
		return nil, ErrApprovalInFlight
	}
	defer s.forceMu.Unlock()

	log := s.log.WithField("attempt_id", attempt)
	log.Warn("forcing qr approval")

	opCtx, cancel := s.opContext(ctx)
	v, err := s.api.ValidateQR(opCtx, s.payment, attempt)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	s.mu.Lock()
	s.status = condo.PaymentApproved
	s.mu.Unlock()
	s.finish(Outcome{
		PaymentID:    s.payment,
		AttemptID:    attempt,
		Phase:        PhaseApproved,
		AttemptState: condo.AttemptApproved,
		PaymentState: condo.PaymentApproved,
		DocumentID:   v.DocumentID,
		Forced:       true,
	})

	approval := &Approval{DocumentID: v.DocumentID}
	if v.HasDocument() {
		approval.Receipt, approval.Location, approval.ReceiptErr = s.storeReceipt(ctx, v.DocumentID)
		if approval.ReceiptErr != nil {
			log.WithError(approval.ReceiptErr).WithField("document_id", v.DocumentID).Warn("receipt not stored")
		}
	}
	return approval, nil
}

func (s *Session) storeReceipt(ctx context.Context, doc condo.DocumentID) (*condo.Blob, string, error) {
	blob, err := s.api.DownloadDocument(ctx, doc)
	if err != nil {
		return nil, "", fmt.Errorf("download receipt: %w", err)
	}
	if s.sink == nil {
		return blob, "", nil
	}
	location, err := s.sink.Save(ctx, receipts.Receipt{
		PaymentID:   int64(s.payment),
		DocumentID:  int64(doc),
		Filename:    blob.Filename,
		ContentType: blob.ContentType,
		Data:        blob.Data,
	})
	if err != nil {
		return blob, "", fmt.Errorf("store receipt: %w", err)
	}
	return blob, location, nil
}

// Wait blocks until the session has an outcome or ctx ends.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	if !s.opened.Load() && !s.finished.Load() {
		return Outcome{}, ErrSessionNotOpen
	}
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, s.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done is closed once the session has an outcome.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close aborts in-flight requests, stops the poll and drops the QR image.
// It is safe to call more than once and from the OnApproved callback.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.presenter.Close()
		s.finish(Outcome{PaymentID: s.payment, AttemptID: s.Attempt(), Phase: PhasePending, Err: ErrSessionClosed})
	})
}

// finish records the first outcome and ignores the rest.
func (s *Session) finish(o Outcome) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	s.pollCancel()
	s.presenter.Release()

	s.mu.Lock()
	s.outcome = o
	started := s.started
	s.mu.Unlock()
	s.metrics.observeOutcome(o, started)

	entry := s.log.WithFields(logrus.Fields{
		"attempt_id": o.AttemptID,
		"phase":      o.Phase,
		"forced":     o.Forced,
	})
	switch {
	case o.Err != nil && !errors.Is(o.Err, ErrSessionClosed):
		entry.WithError(o.Err).Warn("qr session ended unresolved")
	case o.Err != nil:
		entry.Debug("qr session closed")
	default:
		entry.Info("qr session resolved")
	}

	if o.Phase == PhaseApproved && o.Err == nil && s.onApproved != nil {
		s.onApproved(o)
	}
	close(s.done)
}

// opContext derives a request context that ends with either ctx or the
// session.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}
