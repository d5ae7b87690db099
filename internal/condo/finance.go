package condo

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/goccy/go-json"
)

// GetPayment fetches a single payment.
func (c *Client) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	if id <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "payment id is required"}
	}
	var p Payment
	if err := c.getJSON(ctx, idPath("/finanzas/pagos/%d/", int64(id)), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StartQRAttempt asks the backend to open a QR attempt for an unpaid payment.
func (c *Client) StartQRAttempt(ctx context.Context, id PaymentID) (AttemptID, error) {
	if id <= 0 {
		return 0, &Error{Kind: KindValidation, Message: "payment id is required"}
	}

	var out struct {
		IntentoID flexID `json:"intento_id"`
		ID        flexID `json:"id"`
	}
	if err := c.postJSON(ctx, idPath("/finanzas/pagos/%d/iniciar_qr/", int64(id)), nil, &out); err != nil {
		return 0, err
	}

	attempt := AttemptID(out.IntentoID)
	if attempt == 0 {
		attempt = AttemptID(out.ID)
	}
	if attempt == 0 {
		return 0, &Error{Kind: KindValidation, Message: "attempt id missing from response"}
	}
	return attempt, nil
}

// QRImage downloads the rendered QR code of an attempt.
func (c *Client) QRImage(ctx context.Context, id AttemptID) (*Blob, error) {
	if id <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "attempt id is required"}
	}
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   idPath("/finanzas/pagointentos/%d/qr.png/", int64(id)),
		auth:   true,
		accept: "image/png, image/*",
	})
	if err != nil {
		return nil, err
	}
	return blobFrom(resp, fmt.Sprintf("qr-%d.png", id)), nil
}

// AttemptStatus polls the current state of an attempt and its payment.
func (c *Client) AttemptStatus(ctx context.Context, id AttemptID) (*AttemptStatus, error) {
	if id <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "attempt id is required"}
	}
	var st AttemptStatus
	if err := c.getJSON(ctx, idPath("/finanzas/pagointentos/%d/estado/", int64(id)), nil, &st); err != nil {
		return nil, err
	}
	if st.AttemptID == 0 {
		st.AttemptID = id
	}
	return &st, nil
}

// ValidateQR force-approves an attempt. The endpoint only exists as a
// development stand-in for a gateway callback.
func (c *Client) ValidateQR(ctx context.Context, payment PaymentID, attempt AttemptID) (*Validation, error) {
	if payment <= 0 || attempt <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "payment id and attempt id are required"}
	}

	var raw map[string]json.RawMessage
	body := map[string]int64{"intento_id": int64(attempt)}
	if err := c.postJSON(ctx, idPath("/finanzas/pagos/%d/validar_qr/", int64(payment)), body, &raw); err != nil {
		return nil, err
	}

	v := &Validation{}
	for _, key := range []string{"documento_id", "documento"} {
		var id flexID
		if b, ok := raw[key]; ok && json.Unmarshal(b, &id) == nil && id > 0 {
			v.DocumentID = DocumentID(id)
			break
		}
	}
	return v, nil
}

// DownloadDocument fetches a receipt document. The filename comes from
// Content-Disposition when the backend sends one.
func (c *Client) DownloadDocument(ctx context.Context, id DocumentID) (*Blob, error) {
	if id <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "document id is required"}
	}
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   idPath("/finanzas/documentos/%d/descargar/", int64(id)),
		auth:   true,
		accept: "*/*",
	})
	if err != nil {
		return nil, err
	}
	return blobFrom(resp, fmt.Sprintf("documento-%d.pdf", id)), nil
}

func blobFrom(resp *response, fallbackName string) *Blob {
	name := filenameFromDisposition(resp.header.Get("Content-Disposition"))
	if name == "" {
		name = fallbackName
	}
	return &Blob{
		Data:        resp.body,
		ContentType: resp.header.Get("Content-Type"),
		Filename:    name,
	}
}

// filenameFromDisposition extracts filename*/filename from a
// Content-Disposition header and strips any directory part.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
