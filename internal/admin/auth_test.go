package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManagerIssueValidateRoundTrip(t *testing.T) {
	mgr, err := NewTokenManager("test-secret", "taskmesh-dispatcher", time.Hour)
	require.NoError(t, err)

	token, err := mgr.Issue()
	require.NoError(t, err)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "taskmesh-dispatcher", claims.Issuer)
}

func TestTokenManagerRejectsWrongSecret(t *testing.T) {
	issuer, err := NewTokenManager("secret-a", "taskmesh-dispatcher", time.Hour)
	require.NoError(t, err)
	validator, err := NewTokenManager("secret-b", "taskmesh-dispatcher", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue()
	require.NoError(t, err)

	_, err = validator.Validate(token)
	assert.Error(t, err)
}

func TestTokenManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewTokenManager("", "taskmesh-dispatcher", time.Hour)
	assert.Error(t, err)
}

func TestAuthenticateMiddleware(t *testing.T) {
	mgr, err := NewTokenManager("test-secret", "taskmesh-dispatcher", time.Hour)
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(mgr)(next)

	t.Run("valid bearer token passes", func(t *testing.T) {
		token, err := mgr.Issue()
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
