package credentials

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, refresh string) (string, error)
}

func (f *fakeRefresher) RefreshAccess(ctx context.Context, refresh string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, refresh)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestProviderCurrentWithoutLogin(t *testing.T) {
	p := NewProvider(NewMemoryStore(Credential{}), nil)

	_, err := p.Current(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestProviderCurrentKeepsValidToken(t *testing.T) {
	access := signedToken(t, time.Now().Add(time.Hour))
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		return "unexpected", nil
	}}
	p := NewProvider(NewMemoryStore(Credential{Access: access, Refresh: "r"}), ref)

	cred, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, access, cred.Access)
	require.Zero(t, ref.calls)
}

func TestProviderCurrentRefreshesExpiredToken(t *testing.T) {
	expired := signedToken(t, time.Now().Add(-time.Minute))
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		require.Equal(t, "r", refresh)
		return "fresh", nil
	}}
	store := NewMemoryStore(Credential{Access: expired, Refresh: "r"})
	p := NewProvider(store, ref)

	cred, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, Credential{Access: "fresh", Refresh: "r"}, cred)

	stored, _ := store.Load()
	require.Equal(t, cred, stored)
}

func TestProviderOpaqueTokenIsNotInspected(t *testing.T) {
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		return "fresh", nil
	}}
	p := NewProvider(NewMemoryStore(Credential{Access: "opaque", Refresh: "r"}), ref)

	cred, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "opaque", cred.Access)
	require.Zero(t, ref.calls)
}

func TestProviderRefreshSingleFlight(t *testing.T) {
	var n int
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		n++
		time.Sleep(5 * time.Millisecond)
		return fmt.Sprintf("fresh-%d", n), nil
	}}
	stale := Credential{Access: "old", Refresh: "r"}
	p := NewProvider(NewMemoryStore(stale), ref)

	var wg sync.WaitGroup
	results := make([]Credential, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := p.Refresh(context.Background(), stale)
			require.NoError(t, err)
			results[i] = cred
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, ref.calls)
	for _, r := range results {
		require.Equal(t, "fresh-1", r.Access)
	}
}

func TestProviderRefreshRejectedClearsStore(t *testing.T) {
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		return "", fmt.Errorf("status 401: %w", ErrRefreshRejected)
	}}
	store := NewMemoryStore(Credential{Access: "old", Refresh: "r"})
	p := NewProvider(store, ref)

	_, err := p.Refresh(context.Background(), Credential{Access: "old", Refresh: "r"})
	require.ErrorIs(t, err, ErrRefreshRejected)

	stored, _ := store.Load()
	require.True(t, stored.Empty())
}

func TestProviderRefreshTransportErrorKeepsStore(t *testing.T) {
	ref := &fakeRefresher{fn: func(ctx context.Context, refresh string) (string, error) {
		return "", errors.New("connection refused")
	}}
	store := NewMemoryStore(Credential{Access: "old", Refresh: "r"})
	p := NewProvider(store, ref)

	_, err := p.Refresh(context.Background(), Credential{Access: "old", Refresh: "r"})
	require.Error(t, err)

	stored, _ := store.Load()
	require.Equal(t, "r", stored.Refresh)
}

func TestProviderRefreshWithoutRefreshToken(t *testing.T) {
	p := NewProvider(NewMemoryStore(Credential{Access: "old"}), &fakeRefresher{})

	_, err := p.Refresh(context.Background(), Credential{Access: "old"})
	require.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestFileStoreRoundTripKeepsSessionOnClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	fs := NewFileStore(path)

	cred, err := fs.Load()
	require.NoError(t, err)
	require.True(t, cred.Empty())

	require.NoError(t, fs.Save(Credential{Access: "a", Refresh: "r"}))
	require.NoError(t, fs.SaveSession(Session{User: []byte(`{"id":1}`), Roles: []string{"ADMIN"}}))

	cred, err = fs.Load()
	require.NoError(t, err)
	require.Equal(t, Credential{Access: "a", Refresh: "r"}, cred)

	require.NoError(t, fs.Clear())
	cred, err = fs.Load()
	require.NoError(t, err)
	require.True(t, cred.Empty())

	sess, err := fs.LoadSession()
	require.NoError(t, err)
	require.Equal(t, []string{"ADMIN"}, sess.Roles)

	require.NoError(t, fs.ClearSession())
	sess, err = fs.LoadSession()
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := ExpiresAt(signedToken(t, exp))
	require.True(t, ok)
	require.True(t, exp.Equal(got))

	_, ok = ExpiresAt("opaque")
	require.False(t, ok)
}
