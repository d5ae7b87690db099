package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential means nobody has logged in yet.
	ErrNoCredential = errors.New("no stored credential")
	// ErrNoRefreshToken means the access token cannot be renewed.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrRefreshRejected is wrapped by Refreshers when the backend refused
	// the refresh token. The provider clears the store on it.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	RefreshAccess(ctx context.Context, refreshToken string) (string, error)
}

// Provider hands out the current bearer credential and renews it.
// Refreshes are serialized: concurrent callers holding the same stale
// credential trigger one backend call.
type Provider struct {
	store     Store
	refresher Refresher
	leeway    time.Duration
	now       func() time.Time

	mu sync.Mutex
}

// ProviderOption customizes a Provider.
type ProviderOption func(*Provider)

// WithLeeway renews tokens this long before their exp claim.
func WithLeeway(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d >= 0 {
			p.leeway = d
		}
	}
}

// WithClock replaces time.Now when checking token expiry.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider serves credentials from store and renews them through
// refresher.
func NewProvider(store Store, refresher Refresher, opts ...ProviderOption) *Provider {
	p := &Provider{
		store:     store,
		refresher: refresher,
		leeway:    30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the stored credential, renewing it first when its access
// token carries an exp claim that has passed.
func (p *Provider) Current(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, err := p.store.Load()
	if err != nil {
		return Credential{}, err
	}
	if cred.Access == "" {
		if cred.Refresh == "" {
			return Credential{}, ErrNoCredential
		}
		return p.refreshLocked(ctx, cred)
	}
	if p.expired(cred.Access) && cred.Refresh != "" {
		return p.refreshLocked(ctx, cred)
	}
	return cred, nil
}

// Refresh renews stale and returns the new credential. If the store already
// holds a different access token, another caller refreshed in the meantime
// and that credential is returned without a backend call.
func (p *Provider) Refresh(ctx context.Context, stale Credential) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.Load()
	if err != nil {
		return Credential{}, err
	}
	if cur.Access != "" && cur.Access != stale.Access {
		return cur, nil
	}
	return p.refreshLocked(ctx, cur)
}

// Set stores a freshly issued credential, e.g. after login.
func (p *Provider) Set(cred Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Save(cred)
}

// Clear logs out by emptying the store.
func (p *Provider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Clear()
}

func (p *Provider) refreshLocked(ctx context.Context, cur Credential) (Credential, error) {
	if cur.Refresh == "" {
		return Credential{}, ErrNoRefreshToken
	}
	if p.refresher == nil {
		return Credential{}, fmt.Errorf("refresh access token: %w", ErrNoRefreshToken)
	}

	access, err := p.refresher.RefreshAccess(ctx, cur.Refresh)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			if clearErr := p.store.Clear(); clearErr != nil {
				return Credential{}, errors.Join(err, clearErr)
			}
		}
		return Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	next := Credential{Access: access, Refresh: cur.Refresh}
	if err := p.store.Save(next); err != nil {
		return Credential{}, err
	}
	return next, nil
}

// expired reports whether a JWT access token is past its exp claim.
// Opaque or claim-less tokens are never considered expired here; the
// backend's 401 drives their renewal.
func (p *Provider) expired(access string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !p.now().Add(p.leeway).Before(claims.ExpiresAt.Time)
}

// ExpiresAt returns the exp claim of a JWT access token, if any.
func ExpiresAt(access string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
