package condo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/berniyo/condo-qrpay/internal/credentials"
)

// Profile is the payload of /users/me/.
type Profile struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Auth     ProfileAuth     `json:"auth"`
	Raw      json.RawMessage `json:"-"`
}

// ProfileAuth is the auth block of a profile.
type ProfileAuth struct {
	IsSuperuser bool     `json:"is_superuser"`
	IsStaff     bool     `json:"is_staff"`
	Groups      []string `json:"groups"`
}

// RoleNames returns the group names the backend reports for the user.
func (p *Profile) RoleNames() []string {
	return append([]string(nil), p.Auth.Groups...)
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges username and password for a credential pair.
func (c *Client) Login(ctx context.Context, username, password string) (credentials.Credential, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return credentials.Credential{}, &Error{Kind: KindValidation, Message: "username and password are required"}
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/token/",
		body:   map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return credentials.Credential{}, err
	}

	var pair tokenPair
	if err := decode(resp.body, &pair); err != nil {
		return credentials.Credential{}, err
	}
	if pair.Access == "" {
		return credentials.Credential{}, decodeError(errors.New("login response missing access token"))
	}
	return credentials.Credential{Access: pair.Access, Refresh: pair.Refresh}, nil
}

// RefreshAccess implements credentials.Refresher against /auth/refresh/.
// Any HTTP error answer is reported as credentials.ErrRefreshRejected;
// transport failures are returned as they are.
func (c *Client) RefreshAccess(ctx context.Context, refreshToken string) (string, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/refresh/",
		body:   map[string]string{"refresh": refreshToken},
	})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 {
			return "", fmt.Errorf("%w: %w", credentials.ErrRefreshRejected, err)
		}
		return "", err
	}

	var pair tokenPair
	if err := decode(resp.body, &pair); err != nil {
		return "", err
	}
	if pair.Access == "" {
		return "", decodeError(errors.New("refresh response missing access token"))
	}
	return pair.Access, nil
}

// Me fetches the profile of the logged in user.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/users/me/", auth: true})
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := decode(resp.body, &p); err != nil {
		return nil, err
	}
	p.Raw = append(json.RawMessage(nil), resp.body...)
	return &p, nil
}
