package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potholecam/internal/auth"
)

func protected(t *testing.T, a *auth.Authenticator) http.Handler {
	t.Helper()
	return AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := GetUserFromContext(r.Context()); claims != nil {
			_, _ = w.Write([]byte(claims.Username))
			return
		}
		_, _ = w.Write([]byte("anonymous"))
	}))
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	protected(t, a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestMiddlewareAcceptsHeaderAndQueryToken(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{Enabled: true, Username: "op", Password: "pw", Secret: "k"})
	require.NoError(t, err)
	token, _, err := a.Authenticate("op", "pw")
	require.NoError(t, err)
	h := protected(t, a)

	req := httptest.NewRequest(http.MethodGet, "/video/live", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "op", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/session?token="+token, nil))
	assert.Equal(t, "op", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{Enabled: true, Password: "pw", Secret: "k"})
	require.NoError(t, err)
	h := protected(t, a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/live", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization header")

	req := httptest.NewRequest(http.MethodGet, "/video/live", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}
