package condo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berniyo/condo-qrpay/internal/credentials"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cred credentials.Credential) (*Client, *credentials.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := credentials.NewMemoryStore(cred)
	refresher := NewClient(srv.URL, nil)
	provider := credentials.NewProvider(store, refresher)
	return NewClient(srv.URL, provider), store
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                           "http://localhost:8000/api",
		"https://condo.example.com":  "https://condo.example.com/api",
		"https://condo.example.com/": "https://condo.example.com/api",
		"https://x.io/api/":          "https://x.io/api",
		"https://x.io/API":           "https://x.io/API",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeBaseURL(in), in)
	}
}

func TestStartQRAttemptSendsBearerAndReturnsAttempt(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/finanzas/pagos/42/iniciar_qr/", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"intento_id":7,"qr_text":"SCONDO://PAY"}`))
	}, credentials.Credential{Access: "tok", Refresh: "r"})

	id, err := client.StartQRAttempt(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, AttemptID(7), id)
}

func TestStartQRAttemptFallsBackToID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"9"}`))
	}, credentials.Credential{Access: "tok"})

	id, err := client.StartQRAttempt(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, AttemptID(9), id)
}

func TestStartQRAttemptMissingID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, credentials.Credential{Access: "tok"})

	_, err := client.StartQRAttempt(context.Background(), 1)
	require.True(t, IsKind(err, KindValidation))
}

func TestStartQRAttemptBackendRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"El pago ya está aprobado."}`))
	}, credentials.Credential{Access: "tok"})

	_, err := client.StartQRAttempt(context.Background(), 1)
	require.True(t, IsKind(err, KindValidation))
	require.Equal(t, "El pago ya está aprobado.", Message(err))
}

func TestRequestRefreshesOnceOn401(t *testing.T) {
	var refreshes, calls int32
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh/":
			atomic.AddInt32(&refreshes, 1)
			body, _ := io.ReadAll(r.Body)
			require.JSONEq(t, `{"refresh":"r"}`, string(body))
			require.Empty(t, r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"access":"fresh"}`))
		case "/api/finanzas/pagointentos/7/estado/":
			atomic.AddInt32(&calls, 1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail":"Given token not valid"}`))
				return
			}
			_, _ = w.Write([]byte(`{"intento_id":7,"estado_intento":"PENDIENTE","pago_id":42,"estado_pago":"PENDIENTE"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}, credentials.Credential{Access: "stale", Refresh: "r"})

	st, err := client.AttemptStatus(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "PENDIENTE", st.AttemptState)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stored, _ := store.Load()
	require.Equal(t, credentials.Credential{Access: "fresh", Refresh: "r"}, stored)
}

func TestRequestRefreshRejectedClearsCredential(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired"}`))
	}, credentials.Credential{Access: "stale", Refresh: "r"})

	_, err := client.AttemptStatus(context.Background(), 7)
	require.True(t, IsKind(err, KindUnauthorized))
	require.ErrorIs(t, err, ErrSessionExpired)
	require.ErrorIs(t, err, credentials.ErrRefreshRejected)

	stored, _ := store.Load()
	require.True(t, stored.Empty())
}

func TestRequestRefreshServerErrorClearsCredential(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh/" {
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}, credentials.Credential{Access: "stale", Refresh: "r"})

	_, err := client.AttemptStatus(context.Background(), 7)
	require.True(t, IsKind(err, KindUnauthorized))
	require.ErrorIs(t, err, ErrSessionExpired)

	stored, _ := store.Load()
	require.True(t, stored.Empty())
}

func TestRequestRefreshUnreachableKeepsCredential(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	cred := credentials.Credential{Access: "stale", Refresh: "r"}
	store := credentials.NewMemoryStore(cred)
	provider := credentials.NewProvider(store, NewClient(downURL, nil))
	client := NewClient(srv.URL, provider)

	_, err := client.AttemptStatus(context.Background(), 7)
	require.True(t, IsKind(err, KindNetwork))
	require.NotErrorIs(t, err, ErrSessionExpired)

	stored, _ := store.Load()
	require.Equal(t, cred, stored)
}

func TestRawMessageKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("a", maxRawMessage-1) + "ñandú"
	msg := extractMessage(http.StatusBadGateway, []byte(body))
	require.True(t, utf8.ValidString(msg))
	require.Equal(t, strings.Repeat("a", maxRawMessage-1), msg)
}

func TestRequestWithoutLogin(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}, credentials.Credential{})

	_, err := client.AttemptStatus(context.Background(), 7)
	require.True(t, IsKind(err, KindUnauthorized))
	require.ErrorIs(t, err, credentials.ErrNoCredential)
}

func TestErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
		want   string
	}{
		{"detail", 400, `{"detail":"bad"}`, KindValidation, "bad"},
		{"message", 404, `{"message":"gone"}`, KindValidation, "gone"},
		{"error", 500, `{"error":"boom"}`, KindServer, "boom"},
		{"non field errors", 400, `{"non_field_errors":["first","second"]}`, KindValidation, "first"},
		{"unknown json", 409, `{"monto":["required"]}`, KindValidation, `{"monto":["required"]}`},
		{"raw text", 502, `Bad Gateway`, KindServer, "Bad Gateway"},
		{"empty", 503, ``, KindServer, "HTTP 503"},
		{"redirect", 302, ``, KindUnknown, "HTTP 302"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := statusError(tc.status, []byte(tc.body))
			require.Equal(t, tc.kind, err.Kind)
			require.Equal(t, tc.want, err.Message)
			require.Equal(t, tc.status, err.StatusCode)
		})
	}
}

func TestNetworkErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	provider := credentials.NewProvider(credentials.NewMemoryStore(credentials.Credential{Access: "tok"}), nil)
	client := NewClient(url, provider)

	_, err := client.AttemptStatus(context.Background(), 7)
	require.True(t, IsKind(err, KindNetwork))
}

func TestCancelledContextAbortsRequest(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, credentials.Credential{Access: "tok"})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.AttemptStatus(ctx, 7)
	require.True(t, IsKind(err, KindNetwork))
	require.ErrorIs(t, err, context.Canceled)
}

func TestAttemptStatusFallsBackToEstado(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"estado":"EN_PROCESO","estado_pago":null}`))
	}, credentials.Credential{Access: "tok"})

	st, err := client.AttemptStatus(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, AttemptID(7), st.AttemptID)
	require.Equal(t, "EN_PROCESO", st.AttemptState)
	require.Empty(t, st.PaymentState)
}

func TestQRImage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/finanzas/pagointentos/7/qr.png/", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG..."))
	}, credentials.Credential{Access: "tok"})

	blob, err := client.QRImage(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "image/png", blob.ContentType)
	require.Equal(t, "qr-7.png", blob.Filename)
	require.Equal(t, []byte("\x89PNG..."), blob.Data)
}

func TestValidateQR(t *testing.T) {
	cases := map[string]DocumentID{
		`{"ok":true,"documento_id":15}`:   15,
		`{"ok":true,"documento":"16"}`:    16,
		`{"ok":true,"documento_id":null}`: 0,
		`{"ok":true,"documento":{"x":1}}`: 0,
	}
	for body, want := range cases {
		body := body
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/finanzas/pagos/42/validar_qr/", r.URL.Path)
			got, _ := io.ReadAll(r.Body)
			require.JSONEq(t, `{"intento_id":7}`, string(got))
			_, _ = w.Write([]byte(body))
		}, credentials.Credential{Access: "tok"})

		v, err := client.ValidateQR(context.Background(), 42, 7)
		require.NoError(t, err, body)
		require.Equal(t, want, v.DocumentID, body)
	}
}

func TestDownloadDocumentFilename(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="../recibo-15.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.4"))
	}, credentials.Credential{Access: "tok"})

	blob, err := client.DownloadDocument(context.Background(), 15)
	require.NoError(t, err)
	require.Equal(t, "recibo-15.pdf", blob.Filename)
	require.Equal(t, "application/pdf", blob.ContentType)
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "", filenameFromDisposition(""))
	assert.Equal(t, "a.pdf", filenameFromDisposition(`inline; filename=a.pdf`))
	assert.Equal(t, "recibo ñ.pdf", filenameFromDisposition(`attachment; filename*=UTF-8''recibo%20%C3%B1.pdf`))
	assert.Equal(t, "", filenameFromDisposition(`attachment`))
}

func TestGetPayment(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":42,"monto":"150.50","medio":"QR","estado":"PENDIENTE","documento":15}`))
	}, credentials.Credential{Access: "tok"})

	p, err := client.GetPayment(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, PaymentID(42), p.ID)
	require.Equal(t, "150.5", p.Amount.String())
	require.Equal(t, "BOB", p.Currency)
	require.Equal(t, DocumentID(15), p.DocumentID)
}

func TestLoginAndMe(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/token/":
			body, _ := io.ReadAll(r.Body)
			require.JSONEq(t, `{"username":"admin","password":"secret"}`, string(body))
			_, _ = w.Write([]byte(`{"access":"a","refresh":"r"}`))
		case "/api/users/me/":
			require.Equal(t, "Bearer a", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":1,"username":"admin","auth":{"is_staff":true,"groups":["ADMIN","TESORERO"]}}`))
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	store := credentials.NewMemoryStore(credentials.Credential{})
	provider := credentials.NewProvider(store, NewClient(srvURL, nil))
	client := NewClient(srvURL, provider)

	_, err := client.Login(context.Background(), "", "")
	require.True(t, IsKind(err, KindValidation))

	cred, err := client.Login(context.Background(), "admin", "secret")
	require.NoError(t, err)
	require.NoError(t, provider.Set(cred))

	me, err := client.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ADMIN", "TESORERO"}, me.RoleNames())
	require.True(t, strings.Contains(string(me.Raw), "TESORERO"))
}

func TestPaymentsCountMemoized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"count":12,"results":[]}`))
	}))
	defer srv.Close()

	now := time.Unix(1000, 0)
	provider := credentials.NewProvider(credentials.NewMemoryStore(credentials.Credential{Access: "tok"}), nil)
	client := NewClient(srv.URL, provider, withClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		n, err := client.PaymentsCount(context.Background())
		require.NoError(t, err)
		require.Equal(t, 12, n)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(6 * time.Second)
	_, err := client.PaymentsCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPaymentsCountArrayResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	}, credentials.Credential{Access: "tok"})

	n, err := client.PaymentsCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestKindOfForeignErrors(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("x")))
	require.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	require.Equal(t, "x", Message(errors.New("x")))
}
