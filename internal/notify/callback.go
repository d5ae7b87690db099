package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/qrpay"
)

const defaultCallbackTimeout = 15 * time.Second

// HTTPSCallbackSender posts session outcomes to an HTTPS endpoint. Each
// outcome carries an Idempotency-Key derived from payment, attempt and
// status, so retried deliveries can be deduplicated by the receiver.
type HTTPSCallbackSender struct {
	url        string
	secret     string
	httpClient *http.Client
	retry      RetryConfig
	log        logrus.FieldLogger
	requestID  func() string
}

// CallbackOption customizes an HTTPSCallbackSender.
type CallbackOption func(*HTTPSCallbackSender)

// WithCallbackRetry sets the retry policy, usually the one the Kafka
// publisher uses.
func WithCallbackRetry(retry RetryConfig) CallbackOption {
	return func(h *HTTPSCallbackSender) { h.retry = retry.withDefaults() }
}

// WithCallbackLogger lets callers supply a custom logger.
func WithCallbackLogger(l logrus.FieldLogger) CallbackOption {
	return func(h *HTTPSCallbackSender) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHTTPSCallbackSender builds an HTTPS callback client.
func NewHTTPSCallbackSender(url, secret string, client *http.Client, opts ...CallbackOption) (*HTTPSCallbackSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("callback URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultCallbackTimeout}
	}

	h := &HTTPSCallbackSender{
		url:        url,
		secret:     secret,
		httpClient: client,
		retry:      RetryConfig{}.withDefaults(),
		log:        logrus.StandardLogger(),
		requestID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Notify posts resp as JSON. Transport failures, 429 and 5xx answers are
// retried; any other 4xx is final.
func (h *HTTPSCallbackSender) Notify(ctx context.Context, resp qrpay.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}
	key := idempotencyKey(resp)
	log := h.log.WithFields(logrus.Fields{"payment_id": resp.PaymentID, "idempotency_key": key})

	return deliver(ctx, h.retry, log, "callback endpoint", func(ctx context.Context) error {
		return h.post(ctx, data, key)
	})
}

func (h *HTTPSCallbackSender) post(ctx context.Context, data []byte, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("X-Request-ID", h.requestID())
	if h.secret != "" {
		req.Header.Set("X-Callback-Secret", h.secret)
	}

	res, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send callback request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("callback endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return permanent(err)
}

// idempotencyKey identifies one outcome of one attempt.
func idempotencyKey(resp qrpay.Response) string {
	return fmt.Sprintf("qrpay-%d-%d-%s", resp.PaymentID, resp.AttemptID, resp.Status)
}
