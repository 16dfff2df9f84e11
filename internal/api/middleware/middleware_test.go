package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/internal/metrics"
	"github.com/kiranshivaraju/apimeter/internal/store/storetest"
	"github.com/kiranshivaraju/apimeter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- fixture ---

type fixture struct {
	mem     *storetest.Memory
	signer  *auth.Signer
	svc     *auth.Service
	metrics *metrics.Metrics
	auth    *mw.Auth
	tracker *mw.UsageTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storetest.New()
	signer, err := auth.NewSigner("test-secret", "HS256")
	require.NoError(t, err)
	svc := auth.NewService(mem, mem, signer, nil, auth.Options{BcryptCost: bcrypt.MinCost})
	m := metrics.New()
	return &fixture{
		mem:     mem,
		signer:  signer,
		svc:     svc,
		metrics: m,
		auth:    mw.NewAuth(mem, signer, svc, m),
		tracker: mw.NewUsageTracker(signer, mem, mem, m, time.Second),
	}
}

// login registers email and returns a stored, active bearer credential.
func (f *fixture) login(t *testing.T, email string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Register(ctx, auth.RegisterInput{Email: email, Username: "user", Password: "password123"})
	require.NoError(t, err)
	signed, err := f.svc.Login(ctx, email, "password123")
	require.NoError(t, err)
	return signed
}

func (f *fixture) tokenRecord(t *testing.T, signed string) *models.Token {
	t.Helper()
	rec, err := f.mem.GetTokenByValue(context.Background(), signed)
	require.NoError(t, err)
	return rec
}

// storeToken persists an active record for an arbitrary credential string.
func (f *fixture) storeToken(t *testing.T, value string) {
	t.Helper()
	require.NoError(t, f.mem.CreateToken(context.Background(), &models.Token{
		ID:        uuid.NewString(),
		UserID:    "1",
		Token:     value,
		IsActive:  true,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func (f *fixture) sign(t *testing.T, email string, exp time.Time) string {
	t.Helper()
	signed, err := f.signer.Sign(auth.Claims{
		UserID: "1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	require.NoError(t, err)
	return signed
}

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func request(credential string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	return req
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func assertRejected(t *testing.T, w *httptest.ResponseRecorder, code, detail string) {
	t.Helper()
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	body := errBody(t, w)
	assert.Equal(t, code, body["code"])
	assert.Equal(t, detail, body["detail"])
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}

// ========================================
// Authenticate
// ========================================

func TestAuthenticate_MissingHeader(t *testing.T) {
	f := newFixture(t)
	called := false
	handler := f.auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(""))

	assertRejected(t, w, mw.CodeNotAuthenticated, "Not authenticated")
	assert.False(t, called)
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())

	for _, header := range []string{"Basic dXNlcjpwYXNz", "Bearer", "Bearer    ", "token-without-scheme"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
			req.Header.Set("Authorization", header)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assertRejected(t, w, mw.CodeNotAuthenticated, "Not authenticated")
		})
	}
}

func TestAuthenticate_TokenNotStored(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())

	// Validly signed but never persisted.
	signed := f.sign(t, "a@example.com", time.Now().Add(time.Hour))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))

	assertRejected(t, w, mw.CodeTokenNotFound, "Token not found")
	assert.Contains(t, scrape(t, f.metrics), `apimeter_auth_rejections_total{reason="token_not_found"} 1`)
}

func TestAuthenticate_RevokedToken(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())
	signed := f.login(t, "a@example.com")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))
	require.Equal(t, http.StatusOK, w.Code)

	rec := f.tokenRecord(t, signed)
	require.NoError(t, f.svc.RevokeToken(context.Background(), rec.UserID, rec.ID))

	// The signature is still valid and unexpired; the store flag wins.
	_, err := f.signer.Verify(signed)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))
	assertRejected(t, w, mw.CodeTokenRevoked, "Token is invalid or revoked")
}

func TestAuthenticate_StoredButBadSignature(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())

	other, _ := auth.NewSigner("other-secret", "HS256")
	forged, err := other.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "a@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	f.storeToken(t, forged)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(forged))
	assertRejected(t, w, mw.CodeInvalidToken, "Token is invalid")
}

func TestAuthenticate_StoredButExpired(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())

	expired := f.sign(t, "a@example.com", time.Now().Add(-time.Minute))
	f.storeToken(t, expired)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(expired))
	assertRejected(t, w, mw.CodeInvalidToken, "Token is invalid")
}

func TestAuthenticate_StoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(okHandler())
	signed := f.login(t, "a@example.com")
	f.mem.GetTokenByValueErr = errors.New("connection reset")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))

	assertRejected(t, w, mw.CodeTokenNotFound, "Token not found")
	assert.Contains(t, scrape(t, f.metrics), `apimeter_auth_rejections_total{reason="store_error"} 1`)
}

func TestAuthenticate_Success(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	var gotClaims *auth.Claims
	var gotToken *models.Token
	handler := f.auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = mw.GetClaims(r)
		gotToken, _ = mw.GetToken(r)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "a@example.com", gotClaims.Subject)
	require.NotNil(t, gotToken)
	assert.Equal(t, signed, gotToken.Token)
}

func TestAuthenticate_LowercaseScheme(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	handler := f.auth.Authenticate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
	req.Header.Set("Authorization", "bearer "+signed)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Identify / RequireAdmin
// ========================================

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveIdentity(ctx context.Context, signed string) (*models.User, error) {
	args := m.Called(ctx, signed)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func TestIdentify_Success(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	var got *models.User
	handler := f.auth.Authenticate(f.auth.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetUser(r)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "a@example.com", got.Email)
}

func TestIdentify_InvalidCredential(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Identify(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("garbage"))

	assertRejected(t, w, mw.CodeInvalidToken, "Could not validate credentials")
}

func TestIdentify_UnknownUser(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Identify(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(f.sign(t, "ghost@example.com", time.Now().Add(time.Hour))))

	assertRejected(t, w, mw.CodeInvalidToken, "Could not validate credentials")
}

func TestIdentify_ResolverFailure(t *testing.T) {
	f := newFixture(t)
	resolver := &mockResolver{}
	resolver.On("ResolveIdentity", mock.Anything, "cred").Return(nil, errors.New("db down"))

	a := mw.NewAuth(f.mem, f.signer, resolver, nil)
	w := httptest.NewRecorder()
	a.Identify(okHandler()).ServeHTTP(w, request("cred"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
	resolver.AssertExpectations(t)
}

func TestIdentify_MissingCredential(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.auth.Identify(okHandler()).ServeHTTP(w, request(""))
	assertRejected(t, w, mw.CodeNotAuthenticated, "Not authenticated")
}

func TestRequireAdmin(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.RequireAdmin(okHandler())

	tests := []struct {
		name   string
		user   *models.User
		status int
	}{
		{"admin", &models.User{ID: "1", IsAdmin: true}, http.StatusOK},
		{"regular", &models.User{ID: "2"}, http.StatusForbidden},
		{"anonymous", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("")
			if tt.user != nil {
				req = req.WithContext(mw.SetUser(req.Context(), tt.user))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.Equal(t, "Not authorized to access this endpoint", errBody(t, w)["detail"])
			}
		})
	}
}

// ========================================
// UsageTracker
// ========================================

func TestTrack_RecordsAuthenticatedCall(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	rec := f.tokenRecord(t, signed)

	handler := f.auth.Authenticate(f.tracker.Track(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))
	f.tracker.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	records := f.mem.Usage()
	require.Len(t, records, 1)
	u := records[0]
	assert.Equal(t, rec.UserID, u.UserID)
	assert.Equal(t, signed, u.Token)
	require.NotNil(t, u.TokenID)
	assert.Equal(t, rec.ID, *u.TokenID)
	assert.Equal(t, "/api/v1/tokens", u.Endpoint)
	assert.Equal(t, http.MethodGet, u.Method)
	assert.Equal(t, http.StatusOK, u.StatusCode)
	assert.GreaterOrEqual(t, u.ResponseTime, 0.0)
	assert.WithinDuration(t, time.Now(), u.Timestamp, 5*time.Second)

	assert.Contains(t, scrape(t, f.metrics), `apimeter_usage_records_total{result="recorded"} 1`)
}

func TestTrack_UnauthenticatedCallNotRecorded(t *testing.T) {
	f := newFixture(t)
	handler := f.auth.Authenticate(f.tracker.Track(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(""))
	f.tracker.Wait()

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.mem.Usage())
}

func TestTrack_UnverifiableCredentialNotRecorded(t *testing.T) {
	f := newFixture(t)
	handler := f.tracker.Track(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("garbage"))
	f.tracker.Wait()

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.mem.Usage())
}

func TestTrack_RecordsDownstreamStatus(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	handler := f.tracker.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tokens/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	f.tracker.Wait()

	records := f.mem.Usage()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusNotFound, records[0].StatusCode)
	assert.Equal(t, http.MethodDelete, records[0].Method)
	assert.Equal(t, "/api/v1/tokens/x", records[0].Endpoint)
}

func TestTrack_ResponsePassesThroughUnchanged(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "yes")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	direct := httptest.NewRecorder()
	downstream.ServeHTTP(direct, request(signed))

	tracked := httptest.NewRecorder()
	f.tracker.Track(downstream).ServeHTTP(tracked, request(signed))
	f.tracker.Wait()

	assert.Equal(t, direct.Code, tracked.Code)
	assert.Equal(t, direct.Body.Bytes(), tracked.Body.Bytes())
	assert.Equal(t, direct.Header(), tracked.Header())
}

func TestTrack_WriteFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	f.mem.CreateUsageErr = errors.New("disk full")

	w := httptest.NewRecorder()
	f.tracker.Track(okHandler()).ServeHTTP(w, request(signed))
	f.tracker.Wait()

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Empty(t, f.mem.Usage())
	assert.Contains(t, scrape(t, f.metrics), `apimeter_usage_records_total{result="failed"} 1`)
}

func TestTrack_TouchesLastUsed(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	require.Nil(t, f.tokenRecord(t, signed).LastUsed)

	w := httptest.NewRecorder()
	f.tracker.Track(okHandler()).ServeHTTP(w, request(signed))
	f.tracker.Wait()

	lastUsed := f.tokenRecord(t, signed).LastUsed
	require.NotNil(t, lastUsed)
	assert.WithinDuration(t, time.Now(), *lastUsed, 5*time.Second)
}

func TestTrack_LastUsedFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	f.mem.UpdateLastUsedErr = errors.New("timeout")

	w := httptest.NewRecorder()
	f.tracker.Track(okHandler()).ServeHTTP(w, request(signed))
	f.tracker.Wait()

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.mem.Usage(), 1)
}

func TestTrack_TokenLookupFailureStillRecords(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")
	f.mem.GetTokenByValueErr = errors.New("connection reset")

	w := httptest.NewRecorder()
	f.tracker.Track(okHandler()).ServeHTTP(w, request(signed))
	f.tracker.Wait()

	records := f.mem.Usage()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].TokenID)
}

func TestTrack_RecordsPanicAs500(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	handler := f.tracker.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	assert.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), request(signed))
	})
	f.tracker.Wait()

	records := f.mem.Usage()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].StatusCode)
}

func TestTrack_RecoveryOutsideTracker(t *testing.T) {
	f := newFixture(t)
	signed := f.login(t, "a@example.com")

	handler := mw.Recovery(f.tracker.Track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request(signed))
	f.tracker.Wait()

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, f.mem.Usage(), 1)
}

// ========================================
// Logger / Recovery
// ========================================

func TestLogger_PassesThrough(t *testing.T) {
	m := metrics.New()
	handler := mw.Logger(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "created", w.Body.String())
	assert.Contains(t, scrape(t, m), `apimeter_http_requests_total{method="POST",status="201"} 1`)
}

func TestRecovery_Panic(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PanicAfterWrite(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
