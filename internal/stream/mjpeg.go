// Package stream serves the annotated live view to the dashboard as MJPEG.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"potholecam/internal/capture"
	"potholecam/internal/overlay"
	"potholecam/internal/session"
)

const boundary = "frame"

// View exposes the latest frame and the overlay surface.
type View interface {
	LastFrame() *capture.Frame
	Renderer() *overlay.Renderer
}

// MJPEGStream fans composited JPEG frames out to HTTP clients. Slow
// clients miss frames rather than delaying the others.
type MJPEGStream struct {
	view    View
	quality int
	logger  *zap.SugaredLogger

	clientsMu sync.RWMutex
	clients   map[chan []byte]bool

	frameMu      sync.RWMutex
	currentFrame []byte
	frameSeq     uint64
}

// NewMJPEGStream creates a stream over view.
func NewMJPEGStream(view View, quality int, logger *zap.SugaredLogger) *MJPEGStream {
	if quality <= 0 {
		quality = capture.DefaultQuality
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MJPEGStream{
		view:    view,
		quality: quality,
		logger:  logger.Named("mjpeg"),
		clients: make(map[chan []byte]bool),
	}
}

// Run composes a frame after every live result until ctx is done or the
// channel closes. A transition to idle publishes nothing; clients keep the
// last image.
func (s *MJPEGStream) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case ev, ok := <-events:
			if !ok {
				s.closeClients()
				return
			}
			if ev.Type != session.EventResult {
				continue
			}
			if err := s.Refresh(); err != nil {
				s.logger.Debugw("Frame composition failed", "error", err)
			}
		}
	}
}

// Refresh composes the latest frame with the overlay and pushes it.
func (s *MJPEGStream) Refresh() error {
	frame := s.view.LastFrame()
	if frame == nil || frame.Image == nil {
		return nil
	}
	composed := s.view.Renderer().Composite(frame.Image)
	data, err := capture.EncodeJPEG(composed, s.quality)
	if err != nil {
		return fmt.Errorf("failed to encode composite: %w", err)
	}
	s.Publish(data)
	return nil
}

// Publish stores frame as current and offers it to every client.
func (s *MJPEGStream) Publish(frame []byte) {
	s.frameMu.Lock()
	s.currentFrame = frame
	s.frameSeq++
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// CurrentFrame returns the last published JPEG, or nil.
func (s *MJPEGStream) CurrentFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame
}

// FrameSeq counts published frames.
func (s *MJPEGStream) FrameSeq() uint64 {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frameSeq
}

// ClientCount returns the number of connected viewers.
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *MJPEGStream) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
}

// ServeHTTP handles GET /video/live.
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
	}()

	s.logger.Debugw("Client connected", "remote", r.RemoteAddr)

	// a new viewer sees the last frame right away
	if frame := s.CurrentFrame(); frame != nil {
		if err := writePart(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debugw("Client disconnected", "remote", r.RemoteAddr)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	header := "--" + boundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: " +
		strconv.Itoa(len(frame)) + "\r\n\r\n"
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SnapshotHandler serves the last composited frame as one JPEG.
type SnapshotHandler struct {
	stream *MJPEGStream
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(stream *MJPEGStream) *SnapshotHandler {
	return &SnapshotHandler{stream: stream}
}

// ServeHTTP handles GET /video/snapshot.
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.stream.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	_, _ = w.Write(frame)
}

// OverlayHandler serves the transparent overlay surface as PNG.
type OverlayHandler struct {
	renderer *overlay.Renderer
}

// NewOverlayHandler creates a handler for renderer.
func NewOverlayHandler(renderer *overlay.Renderer) *OverlayHandler {
	return &OverlayHandler{renderer: renderer}
}

// ServeHTTP handles GET /video/overlay.
func (h *OverlayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := h.renderer.PNG()
	if err != nil {
		http.Error(w, "Failed to encode overlay", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}
