package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potholecam/internal/auth"
	"potholecam/internal/capture"
	"potholecam/internal/detection"
	"potholecam/internal/session"
	"potholecam/internal/stream"
	"potholecam/internal/ws"
)

func newTestServer(t *testing.T, opts auth.Options) *httptest.Server {
	t.Helper()
	logger := zap.NewNop().Sugar()
	ctrl := session.NewController(session.Config{
		Camera:   capture.NewFileSource(t.TempDir() + "/missing.jpg"),
		Detector: detection.NewClient(detection.ClientConfig{Endpoint: "http://127.0.0.1:0"}),
	})
	authenticator, err := auth.NewAuthenticator(opts)
	require.NoError(t, err)

	d := &dashboard{
		ctrl:    ctrl,
		auth:    authenticator,
		hub:     ws.NewHub(logger),
		mjpeg:   stream.NewMJPEGStream(ctrl, 0, logger),
		logger:  logger,
		started: time.Now(),
	}
	srv := httptest.NewServer(newMux(d))
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, user, pass string) *http.Response {
	t.Helper()
	body, err := json.Marshal(loginRequest{Username: user, Password: pass})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, auth.Options{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["mode"])
}

func TestLoginAndProtectedRoutes(t *testing.T) {
	srv := newTestServer(t, auth.Options{Enabled: true, Username: "op", Password: "pw", Secret: "k"})

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, login(t, srv, "op", "wrong").StatusCode)

	resp = login(t, srv, "op", "pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var token loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	require.NotEmpty(t, token.Token)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st session.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, session.Idle, st.Mode)
}

func TestLoginWhenAuthDisabled(t *testing.T) {
	srv := newTestServer(t, auth.Options{})
	assert.Equal(t, http.StatusNotFound, login(t, srv, "admin", "x").StatusCode)
}

func TestStartLiveWithMissingCameraStaysIdle(t *testing.T) {
	srv := newTestServer(t, auth.Options{})

	resp, err := http.Post(srv.URL+"/api/live/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)
}

func TestOverlayRoute(t *testing.T) {
	srv := newTestServer(t, auth.Options{})

	resp, err := http.Get(srv.URL + "/video/overlay")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}
