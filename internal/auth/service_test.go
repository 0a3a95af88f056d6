package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/common"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: "test-secret", ClockSkew: time.Second})
	require.NoError(t, err)
	return svc
}

func TestMintAndParseRoundTrip(t *testing.T) {
	svc := newTestService(t)
	token, exp, err := svc.Mint("erp-integration", []string{RoleTransfer}, time.Minute)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	claims, err := svc.ParseAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "erp-integration", claims.Subject)
	require.Equal(t, []string{RoleTransfer}, claims.Roles)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	svc := newTestService(t)
	past := time.Now().Add(-time.Hour)
	svc.WithNow(func() time.Time { return past })
	token, _, err := svc.Mint("erp", nil, time.Minute)
	require.NoError(t, err)

	svc.WithNow(time.Now)
	_, err = svc.ParseAccessToken(token)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
}

func TestParseRejectsForeignSecretAndAudience(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService(Config{Secret: "other-secret"})
	require.NoError(t, err)
	token, _, err := other.Mint("erp", nil, time.Minute)
	require.NoError(t, err)
	_, err = svc.ParseAccessToken(token)
	require.Error(t, err)

	wrongAud, err := NewService(Config{Secret: "test-secret", Audience: "someone-else"})
	require.NoError(t, err)
	token, _, err = wrongAud.Mint("erp", nil, time.Minute)
	require.NoError(t, err)
	_, err = svc.ParseAccessToken(token)
	require.Error(t, err)
}

func TestTokenValidatorRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer("erp").
		Audience([]string{"paybridge"}).
		Subject("sub").
		IssuedAt(now).
		Expiration(now.Add(time.Minute)).
		Build()
	require.NoError(t, err)

	v := TokenValidator{Issuer: "erp", Audience: "paybridge", Algorithm: jwa.HS256}
	require.NoError(t, v.Validate(token, jwa.HS256, now))
	require.Error(t, v.Validate(token, jwa.RS256, now))
}

func TestTokenValidatorRequiresSubject(t *testing.T) {
	now := time.Now()
	token, err := jwt.NewBuilder().Issuer("erp").Expiration(now.Add(time.Minute)).Build()
	require.NoError(t, err)

	v := TokenValidator{Issuer: "erp", Algorithm: jwa.HS256}
	require.Error(t, v.Validate(token, jwa.HS256, now))
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	m := Middleware{Service: svc}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := common.UserID(r.Context())
		_, _ = w.Write([]byte(id))
	})
	guarded := m.RequireAuth(RequireRole(RoleTransfer)(ok))

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	plain, _, err := svc.Mint("clerk", nil, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	granted, _, err := svc.Mint("treasurer", []string{RoleTransfer}, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
	req.Header.Set("Authorization", "Bearer "+granted)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "treasurer", rec.Body.String())
}
