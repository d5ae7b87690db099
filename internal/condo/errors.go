package condo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Kind is the closed set of failure classes surfaced by the client.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindUnauthorized
	KindValidation
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is returned by every Client call that fails. Message is safe to
// show to an operator as is.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("condo api %s error: status=%d message=%s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("condo api %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("condo api %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrSessionExpired is wrapped into the Unauthorized error returned when the
// credential could not be renewed after a 401.
var ErrSessionExpired = errors.New("session expired, log in again")

// KindOf classifies err. Errors that did not come from the client are Unknown,
// except context cancellation which is treated as Network.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// IsKind reports whether KindOf(err) is k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the displayable message of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code >= 400 && code < 500:
		return KindValidation
	case code >= 500 && code < 600:
		return KindServer
	default:
		return KindUnknown
	}
}

func statusError(code int, body []byte) *Error {
	return &Error{
		Kind:       kindForStatus(code),
		StatusCode: code,
		Message:    extractMessage(code, body),
		Body:       body,
	}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "request failed", Err: err}
}

func decodeError(err error) *Error {
	return &Error{Kind: KindUnknown, Message: "unexpected response payload", Err: err}
}

const maxRawMessage = 512

// extractMessage picks the human readable part of an error body:
// detail, message, error, first non_field_errors entry, raw text, and
// finally "HTTP <status>".
func extractMessage(code int, body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s := stringField(payload[key]); s != "" {
				return s
			}
		}
		var nfe []string
		if raw, ok := payload["non_field_errors"]; ok && json.Unmarshal(raw, &nfe) == nil && len(nfe) > 0 && nfe[0] != "" {
			return nfe[0]
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > maxRawMessage {
			cut := maxRawMessage
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		return text
	}
	return fmt.Sprintf("HTTP %d", code)
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
