package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestCreateAndValidateToken(t *testing.T) {
	token, err := CreateToken(testSecret, "operator", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)

	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "operator", sub)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := CreateToken(testSecret, "operator", time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	token, err := CreateToken(testSecret, "operator", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, testSecret)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := ValidateJWT("not-a-jwt", testSecret)
	assert.Error(t, err)
}

func guardedEcho(t *testing.T) http.Handler {
	t.Helper()
	return JWTMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Subject(r.Context())))
	}))
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	rec := httptest.NewRecorder()
	guardedEcho(t).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	guardedEcho(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewarePassesValidTokenAndSetsSubject(t *testing.T) {
	token, err := CreateToken(testSecret, "operator", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	guardedEcho(t).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator", rec.Body.String())
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	token, err := CreateToken(testSecret, "operator", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/?token="+token, nil)
	rec := httptest.NewRecorder()
	guardedEcho(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
