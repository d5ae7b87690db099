package condo

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type (
	PaymentID  int64
	AttemptID  int64
	DocumentID int64
)

func (id PaymentID) String() string  { return strconv.FormatInt(int64(id), 10) }
func (id AttemptID) String() string  { return strconv.FormatInt(int64(id), 10) }
func (id DocumentID) String() string { return strconv.FormatInt(int64(id), 10) }

// Attempt states as reported by the backend (estado_intento).
const (
	AttemptCreated    = "CREADO"
	AttemptInProgress = "EN_PROCESO"
	AttemptPending    = "PENDIENTE"
	AttemptApproved   = "APROBADO"
	AttemptRejected   = "RECHAZADO"
	AttemptExpired    = "EXPIRO"
)

// Payment states (estado_pago).
const (
	PaymentPending  = "PENDIENTE"
	PaymentApproved = "APROBADO"
	PaymentRejected = "RECHAZADO"
)

const defaultCurrency = "BOB"

// Payment is the ledger record a QR attempt settles.
type Payment struct {
	ID         PaymentID       `json:"id"`
	Amount     decimal.Decimal `json:"monto"`
	Currency   string          `json:"moneda,omitempty"`
	Method     string          `json:"medio"`
	Status     string          `json:"estado"`
	DocumentID DocumentID      `json:"-"`
}

func (p *Payment) UnmarshalJSON(data []byte) error {
	type alias Payment
	aux := struct {
		*alias
		Documento flexID `json:"documento"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.DocumentID = DocumentID(aux.Documento)
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	return nil
}

// AttemptStatus is one poll result of /pagointentos/{id}/estado/.
type AttemptStatus struct {
	AttemptID    AttemptID
	AttemptState string
	PaymentID    PaymentID
	PaymentState string
}

func (s *AttemptStatus) UnmarshalJSON(data []byte) error {
	var aux struct {
		IntentoID     flexID  `json:"intento_id"`
		EstadoIntento *string `json:"estado_intento"`
		Estado        *string `json:"estado"`
		PagoID        flexID  `json:"pago_id"`
		EstadoPago    *string `json:"estado_pago"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.AttemptID = AttemptID(aux.IntentoID)
	s.PaymentID = PaymentID(aux.PagoID)
	switch {
	case aux.EstadoIntento != nil && *aux.EstadoIntento != "":
		s.AttemptState = *aux.EstadoIntento
	case aux.Estado != nil:
		s.AttemptState = *aux.Estado
	}
	if aux.EstadoPago != nil {
		s.PaymentState = *aux.EstadoPago
	}
	return nil
}

// Blob is a binary payload such as a QR image or a receipt.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Validation is the outcome of a forced QR approval.
type Validation struct {
	DocumentID DocumentID
}

// HasDocument reports whether the backend issued a receipt.
func (v Validation) HasDocument() bool { return v.DocumentID > 0 }

// flexID decodes ids sent either as numbers or numeric strings; null,
// objects and garbage decode to zero.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexID(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*f = 0
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexID(v)
	return nil
}
