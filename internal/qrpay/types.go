package qrpay

import (
	"context"
	"errors"

	"github.com/berniyo/condo-qrpay/internal/condo"
)

// API is the subset of the condo client the QR flow depends on.
type API interface {
	StartQRAttempt(ctx context.Context, payment condo.PaymentID) (condo.AttemptID, error)
	QRImage(ctx context.Context, attempt condo.AttemptID) (*condo.Blob, error)
	AttemptStatus(ctx context.Context, attempt condo.AttemptID) (*condo.AttemptStatus, error)
	ValidateQR(ctx context.Context, payment condo.PaymentID, attempt condo.AttemptID) (*condo.Validation, error)
	DownloadDocument(ctx context.Context, doc condo.DocumentID) (*condo.Blob, error)
}

var (
	ErrSessionClosed        = errors.New("qr session closed")
	ErrSessionNotOpen       = errors.New("qr session not opened")
	ErrForceApproveDisabled = errors.New("forced approval is disabled outside development")
	ErrApprovalInFlight     = errors.New("approval already in progress")
	ErrPollTimeout          = errors.New("qr attempt not confirmed before timeout")
	ErrPollExhausted        = errors.New("qr attempt not confirmed within max attempts")
	ErrPresenterClosed      = errors.New("qr presenter closed")
	ErrQRSuperseded         = errors.New("qr image superseded")
	ErrNoAttempt            = errors.New("attempt id is required")
	ErrNoPayment            = errors.New("payment id is required")
)

// Phase is the client side view of an attempt. Rejected covers both
// rejection and expiry.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseApproved Phase = "approved"
	PhaseRejected Phase = "rejected"
)

// Terminal reports whether the session is over.
func (p Phase) Terminal() bool { return p == PhaseApproved || p == PhaseRejected }

// Classify maps a poll result onto a Phase. Approval is decided on the
// payment state only; the attempt state can end the flow as rejected.
func Classify(st *condo.AttemptStatus) Phase {
	if st == nil {
		return PhasePending
	}
	switch st.PaymentState {
	case condo.PaymentApproved:
		return PhaseApproved
	case condo.PaymentRejected:
		return PhaseRejected
	}
	switch st.AttemptState {
	case condo.AttemptRejected, condo.AttemptExpired:
		return PhaseRejected
	}
	return PhasePending
}

// Outcome is how a Session ended. Err is set when it ended without
// reaching a terminal phase (closed, timed out, exhausted).
type Outcome struct {
	PaymentID    condo.PaymentID  `json:"payment_id"`
	AttemptID    condo.AttemptID  `json:"attempt_id"`
	Phase        Phase            `json:"phase"`
	AttemptState string           `json:"attempt_state,omitempty"`
	PaymentState string           `json:"payment_state,omitempty"`
	DocumentID   condo.DocumentID `json:"document_id,omitempty"`
	Forced       bool             `json:"forced,omitempty"`
	Err          error            `json:"-"`
}
