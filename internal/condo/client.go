package condo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/berniyo/condo-qrpay/internal/config"
	"github.com/berniyo/condo-qrpay/internal/credentials"
)

const (
	defaultBaseURL  = "http://localhost:8000"
	defaultTimeout  = 30 * time.Second
	defaultStatsTTL = 5 * time.Second
)

// CredentialProvider supplies and renews the bearer credential.
type CredentialProvider interface {
	Current(ctx context.Context) (credentials.Credential, error)
	Refresh(ctx context.Context, stale credentials.Credential) (credentials.Credential, error)
}

// Client talks to the condominium administration REST backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialProvider
	limiter    *rate.Limiter
	log        logrus.FieldLogger
	requestID  func() string
	now        func() time.Time

	statsTTL     time.Duration
	statsMu      sync.Mutex
	paymentsMemo countMemo
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client with its 30s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger lets callers supply a custom logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStatsTTL sets how long dashboard counters are memoized.
func WithStatsTTL(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.statsTTL = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a client for baseURL. creds may be nil for clients that
// only call unauthenticated endpoints.
func NewClient(baseURL string, creds CredentialProvider, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    NormalizeBaseURL(baseURL),
		creds:      creds,
		log:        logrus.StandardLogger(),
		requestID:  uuid.NewString,
		now:        time.Now,
		statsTTL:   defaultStatsTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig wires timeout and rate limiting from cfg.
func NewClientFromConfig(cfg config.API, creds CredentialProvider, opts ...Option) *Client {
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	}
	return NewClient(cfg.BaseURL, creds, append(base, opts...)...)
}

// NormalizeBaseURL trims trailing slashes and appends the /api prefix when
// it is missing.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(strings.ToLower(base), "/api") {
		base += "/api"
	}
	return base
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string { return c.baseURL }

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
	accept string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends req. Authenticated requests that come back 401 get exactly one
// credential refresh and one retry.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	var cred credentials.Credential
	if req.auth {
		if c.creds == nil {
			return nil, &Error{Kind: KindUnauthorized, Message: "no credential provider configured"}
		}
		var err error
		cred, err = c.creds.Current(ctx)
		if err != nil {
			return nil, &Error{Kind: KindUnauthorized, Message: "not logged in", Err: err}
		}
	}

	resp, err := c.send(ctx, req, cred.Access)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized && req.auth && cred.Refresh != "" {
		c.log.WithField("path", req.path).Debug("access token rejected, refreshing")
		fresh, err := c.creds.Refresh(ctx, cred)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, networkError(ctxErr)
			}
			if !errors.Is(err, credentials.ErrRefreshRejected) {
				var apiErr *Error
				if errors.As(err, &apiErr) {
					return nil, err
				}
				return nil, networkError(err)
			}
			return nil, &Error{
				Kind:       KindUnauthorized,
				StatusCode: http.StatusUnauthorized,
				Message:    ErrSessionExpired.Error(),
				Err:        errors.Join(ErrSessionExpired, err),
			}
		}
		resp, err = c.send(ctx, req, fresh.Access)
		if err != nil {
			return nil, err
		}
	}

	if resp.status >= 400 {
		return resp, statusError(resp.status, resp.body)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req request, token string) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, networkError(err)
		}
	}

	var body io.Reader
	payload := req.body
	if payload == nil && (req.method == http.MethodPost || req.method == http.MethodPut || req.method == http.MethodPatch) {
		payload = struct{}{}
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Message: "encode request body", Err: err}
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "build request", Err: err}
	}

	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	reqID := c.requestID()
	httpReq.Header.Set("X-Request-ID", reqID)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, networkError(err)
	}

	c.log.WithFields(logrus.Fields{
		"method":     req.method,
		"path":       req.path,
		"status":     httpResp.StatusCode,
		"request_id": reqID,
	}).Debug("condo api call")

	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: path, query: query, auth: true})
	if err != nil {
		return err
	}
	return decode(resp.body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, request{method: http.MethodPost, path: path, body: body, auth: true})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp.body, out)
}

func decode(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return decodeError(errors.New("empty body"))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return decodeError(err)
	}
	return nil
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, id)
}
