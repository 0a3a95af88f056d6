package common

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestJSONAppErrorUsesMetadata(t *testing.T) {
	rr := httptest.NewRecorder()
	JSONAppError(rr, NewAppError("INVOICE_PAID", "invoice already paid", http.StatusConflict, nil))
	require.Equal(t, http.StatusConflict, rr.Code)
	require.JSONEq(t, `{"error":{"code":"INVOICE_PAID","message":"invoice already paid"}}`, rr.Body.String())

	rr = httptest.NewRecorder()
	JSONAppError(rr, errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestJSONStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	JSONStatus(rr, http.StatusOK, "success", "")
	require.JSONEq(t, `{"status":"success"}`, rr.Body.String())
}

func TestIdemRejectsReplayAndReleasesOnServerError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	status := http.StatusInternalServerError
	calls := 0
	h := Idem{R: client}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
		req.Header.Set("Idempotency-Key", "abc")
		req = req.WithContext(WithUserID(req.Context(), "ops"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusInternalServerError, send())
	status = http.StatusCreated
	require.Equal(t, http.StatusCreated, send())
	require.Equal(t, http.StatusConflict, send())
	require.Equal(t, 2, calls)
}

func TestHasRole(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := WithRoles(req.Context(), []string{"payments:checkout"})
	require.True(t, HasRole(ctx, "payments:checkout"))
	require.False(t, HasRole(ctx, "payments:transfer"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	require.Equal(t, "203.0.113.7", ClientIP(req))

	req.RemoteAddr = "203.0.113.8"
	require.Equal(t, "203.0.113.8", ClientIP(req))
}
