package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/auth"
	"github.com/kazokunote/kazokunote-server/internal/config"
	"github.com/kazokunote/kazokunote-server/internal/identity"
)

const (
	testSecret = "this-is-a-32-byte-test-signing-k"
	testIssuer = "https://auth.test.example/auth/v1"
	testCookie = "diary_access_token"
)

// stubStore serves a single user by external subject and counts
// lookups so tests can observe memoization.
type stubStore struct {
	user           *identity.User
	subjectLookups int
}

func (s *stubStore) FindByExternalSubject(ctx context.Context, subject string) (*identity.User, error) {
	s.subjectLookups++
	if s.user != nil && s.user.ExternalSubject != nil && *s.user.ExternalSubject == subject {
		return s.user, nil
	}
	return nil, apperr.New(apperr.CodeNotFoundUser, "no user for subject")
}

func (s *stubStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	return nil, apperr.New(apperr.CodeNotFoundUser, "no user for email")
}

func (s *stubStore) Create(ctx context.Context, u *identity.User) (*identity.User, error) {
	return nil, apperr.New(apperr.CodeInternal, "stub store does not create")
}

func (s *stubStore) Update(ctx context.Context, u *identity.User) (*identity.User, error) {
	return nil, apperr.New(apperr.CodeInternal, "stub store does not update")
}

func signedToken(t *testing.T, subject string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": subject + "@example.com",
		"iss":   testIssuer,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestBridge(t *testing.T, store identity.Store, rdb RevocationCmdable) *Bridge {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        testIssuer,
		SigningSecret: config.Secret(testSecret),
		ClockSkew:     30 * time.Second,
	})
	require.NoError(t, err)
	cookies := NewCookieManager(config.SessionConfig{CookieName: testCookie, CookieTTL: time.Hour})
	return NewBridge(verifier, identity.NewLinker(store), NewDenylistFromClient(rdb), cookies)
}

func linkedUser(subject string) *identity.User {
	return &identity.User{ID: uuid.New(), ExternalSubject: &subject, Email: subject + "@example.com"}
}

func requestWith(t *testing.T, header, cookie string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	r = r.WithContext(WithResolution(r.Context()))
	if header != "" {
		r.Header.Set("Authorization", "Bearer "+header)
	}
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: testCookie, Value: cookie})
	}
	return r
}

func clearedCookie(t *testing.T, w *httptest.ResponseRecorder) bool {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookie && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"), "scheme comparison is case-insensitive")
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer "))
	assert.Empty(t, bearerToken(""))
}

func TestBridge_Current_FromHeader(t *testing.T) {
	store := &stubStore{user: linkedUser("sub-1")}
	bridge := newTestBridge(t, store, newFakeRedis())

	w := httptest.NewRecorder()
	ident, err := bridge.Current(w, requestWith(t, signedToken(t, "sub-1", time.Hour), ""))
	require.NoError(t, err)

	assert.Equal(t, store.user.ID, ident.User.ID)
	assert.Equal(t, "sub-1", ident.Claims.Subject)
	assert.Equal(t, SourceHeader, ident.Source)
}

func TestBridge_Current_FromCookie(t *testing.T) {
	store := &stubStore{user: linkedUser("sub-1")}
	bridge := newTestBridge(t, store, newFakeRedis())

	w := httptest.NewRecorder()
	ident, err := bridge.Current(w, requestWith(t, "", signedToken(t, "sub-1", time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, SourceCookie, ident.Source)
}

func TestBridge_Current_HeaderWinsOverCookie(t *testing.T) {
	header := linkedUser("sub-header")
	store := &stubStore{user: header}
	bridge := newTestBridge(t, store, newFakeRedis())

	w := httptest.NewRecorder()
	r := requestWith(t, signedToken(t, "sub-header", time.Hour), signedToken(t, "sub-cookie", time.Hour))
	ident, err := bridge.Current(w, r)
	require.NoError(t, err)
	assert.Equal(t, "sub-header", ident.Claims.Subject)
	assert.Equal(t, SourceHeader, ident.Source)
}

func TestBridge_Current_MissingToken(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	_, err := bridge.Current(w, requestWith(t, "", ""))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthMissingToken, apperr.GetCode(err))
}

func TestBridge_Current_NoLinkedUser(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	_, err := bridge.Current(w, requestWith(t, signedToken(t, "sub-unknown", time.Hour), ""))
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err), "a valid token without a local user must not create one")
}

func TestBridge_Current_InvalidCookieTokenClearsCookie(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	_, err := bridge.Current(w, requestWith(t, "", signedToken(t, "sub-1", -time.Hour)))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthExpiredToken, apperr.GetCode(err))
	assert.True(t, clearedCookie(t, w), "a dead cookie token must be cleared")
}

func TestBridge_Current_InvalidHeaderTokenKeepsCookie(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	_, err := bridge.Current(w, requestWith(t, signedToken(t, "sub-1", -time.Hour), ""))
	require.Error(t, err)
	assert.False(t, clearedCookie(t, w))
}

func TestBridge_Current_RevokedToken(t *testing.T) {
	store := &stubStore{user: linkedUser("sub-1")}
	rdb := newFakeRedis()
	bridge := newTestBridge(t, store, rdb)

	token := signedToken(t, "sub-1", time.Hour)
	require.NoError(t, NewDenylistFromClient(rdb).Revoke(context.Background(), token, time.Now().Add(time.Hour)))

	w := httptest.NewRecorder()
	_, err := bridge.Current(w, requestWith(t, "", token))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthTokenRevoked, apperr.GetCode(err))
	assert.True(t, clearedCookie(t, w))
}

func TestBridge_Current_MemoizesSuccess(t *testing.T) {
	store := &stubStore{user: linkedUser("sub-1")}
	bridge := newTestBridge(t, store, newFakeRedis())

	w := httptest.NewRecorder()
	r := requestWith(t, signedToken(t, "sub-1", time.Hour), "")

	first, err := bridge.Current(w, r)
	require.NoError(t, err)
	second, err := bridge.Current(w, r)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.subjectLookups, "repeat calls in one request must not hit the store again")
}

func TestBridge_Current_MemoizesFailure(t *testing.T) {
	store := &stubStore{}
	bridge := newTestBridge(t, store, newFakeRedis())

	w := httptest.NewRecorder()
	r := requestWith(t, signedToken(t, "sub-unknown", time.Hour), "")

	_, first := bridge.Current(w, r)
	require.Error(t, first)
	_, second := bridge.Current(w, r)
	require.Error(t, second)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.subjectLookups, "a recorded miss must not be retried within the request")
}

func TestBridge_SignIn_SetsCookie(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/set_cookie", nil)
	claims, err := bridge.SignIn(w, r, signedToken(t, "sub-1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", claims.Subject)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, testCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	assert.Equal(t, int(time.Hour.Seconds()), cookies[0].MaxAge)
}

func TestBridge_SignIn_RejectsInvalidToken(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/set_cookie", nil)
	_, err := bridge.SignIn(w, r, "not-a-token")
	require.Error(t, err)
	assert.True(t, apperr.IsAuthentication(err))
	assert.Empty(t, w.Result().Cookies(), "an invalid token must never become a session")
}

func TestBridge_SignIn_RejectsRevokedToken(t *testing.T) {
	rdb := newFakeRedis()
	bridge := newTestBridge(t, &stubStore{}, rdb)

	token := signedToken(t, "sub-1", time.Hour)
	require.NoError(t, NewDenylistFromClient(rdb).Revoke(context.Background(), token, time.Now().Add(time.Hour)))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/set_cookie", nil)
	_, err := bridge.SignIn(w, r, token)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthTokenRevoked, apperr.GetCode(err))
	assert.Empty(t, w.Result().Cookies())
}

func TestBridge_SignOut_RevokesAndClears(t *testing.T) {
	rdb := newFakeRedis()
	bridge := newTestBridge(t, &stubStore{}, rdb)

	token := signedToken(t, "sub-1", time.Hour)
	w := httptest.NewRecorder()
	bridge.SignOut(w, requestWith(t, "", token))

	assert.True(t, clearedCookie(t, w))
	revoked, err := NewDenylistFromClient(rdb).IsRevoked(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestBridge_SignOut_NoTokenStillClears(t *testing.T) {
	bridge := newTestBridge(t, &stubStore{}, newFakeRedis())

	w := httptest.NewRecorder()
	bridge.SignOut(w, requestWith(t, "", ""))
	assert.True(t, clearedCookie(t, w))
}

func TestBridge_SignOut_InvalidTokenStillClears(t *testing.T) {
	rdb := newFakeRedis()
	bridge := newTestBridge(t, &stubStore{}, rdb)

	w := httptest.NewRecorder()
	bridge.SignOut(w, requestWith(t, "", "garbage"))
	assert.True(t, clearedCookie(t, w))
	assert.Empty(t, rdb.entries, "an unverifiable token is not worth recording")
}

func TestCookieManager_SecureOnTLS(t *testing.T) {
	m := NewCookieManager(config.SessionConfig{CookieName: testCookie, CookieTTL: time.Hour})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "https://kazokunote.example/", nil)
	m.Set(w, r, "tok")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)
}
