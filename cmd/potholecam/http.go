package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"potholecam/internal/auth"
	"potholecam/internal/session"
	"potholecam/internal/stream"
	"potholecam/internal/ws"

	mw "potholecam/internal/middleware"
)

// dashboard bundles what the HTTP routes serve.
type dashboard struct {
	ctrl    *session.Controller
	auth    *auth.Authenticator
	hub     *ws.Hub
	mjpeg   *stream.MJPEGStream
	logger  *zap.SugaredLogger
	started time.Time
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newMux mounts the dashboard routes on a goa muxer.
func newMux(d *dashboard) goahttp.Muxer {
	mux := goahttp.NewMuxer()
	protect := mw.AuthMiddleware(d.auth)

	mux.Handle(http.MethodGet, "/health", d.health)
	mux.Handle(http.MethodPost, "/auth/login", d.login)

	mount := func(method, pattern string, h http.Handler) {
		mux.Handle(method, pattern, protect(h).ServeHTTP)
	}
	mount(http.MethodGet, "/api/state", http.HandlerFunc(d.state))
	mount(http.MethodPost, "/api/live/start", http.HandlerFunc(d.startLive))
	mount(http.MethodPost, "/api/live/stop", http.HandlerFunc(d.stopLive))
	mount(http.MethodGet, "/ws/session", ws.NewHandler(d.hub, d.ctrl.State))
	mount(http.MethodGet, "/video/live", d.mjpeg)
	mount(http.MethodGet, "/video/snapshot", stream.NewSnapshotHandler(d.mjpeg))
	mount(http.MethodGet, "/video/overlay", stream.NewOverlayHandler(d.ctrl.Renderer()))
	return mux
}

func (d *dashboard) health(w http.ResponseWriter, r *http.Request) {
	d.respond(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   d.ctrl.Mode(),
		"uptime": time.Since(d.started).Round(time.Second).String(),
	})
}

func (d *dashboard) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		d.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	token, expiresAt, err := d.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		d.respond(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials):
		d.respond(w, r, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case err != nil:
		d.respond(w, r, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		d.respond(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt.Unix()})
	}
}

func (d *dashboard) state(w http.ResponseWriter, r *http.Request) {
	d.respond(w, r, http.StatusOK, d.ctrl.State())
}

func (d *dashboard) startLive(w http.ResponseWriter, r *http.Request) {
	// the session outlives this request
	if err := d.ctrl.StartLive(context.WithoutCancel(r.Context())); err != nil {
		status := http.StatusConflict
		if session.IsDeviceError(err) {
			status = http.StatusServiceUnavailable
		}
		d.respond(w, r, status, errorResponse{Error: err.Error()})
		return
	}
	d.respond(w, r, http.StatusOK, d.ctrl.State())
}

func (d *dashboard) stopLive(w http.ResponseWriter, r *http.Request) {
	if err := d.ctrl.StopLive(context.WithoutCancel(r.Context()), session.ReasonUser); err != nil {
		d.respond(w, r, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	d.respond(w, r, http.StatusOK, d.ctrl.State())
}

func (d *dashboard) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(body); err != nil {
		d.logger.Warnw("Failed to encode response", "path", r.URL.Path, "error", err)
	}
}

// logRequests logs one line per request with the goa request id.
func logRequests(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			id, _ := r.Context().Value(middleware.RequestIDKey).(string)
			logger.Debugw("HTTP request", "id", id, "method", r.Method, "path", r.URL.Path,
				"took", time.Since(start))
		})
	}
}

// handleHTTPServer starts the dashboard server on addr and shuts it down
// when ctx is done.
func handleHTTPServer(ctx context.Context, addr string, d *dashboard, wg *sync.WaitGroup, errc chan<- error) {
	var handler http.Handler = newMux(d)
	handler = logRequests(d.logger)(handler)
	handler = httpmdlwr.RequestID()(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			d.logger.Infow("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		d.logger.Infow("Shutting down HTTP server", "addr", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warnw("Failed to shutdown", "error", err)
		}
	}()
}
