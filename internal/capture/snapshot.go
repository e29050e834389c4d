package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// SnapshotSource polls an HTTP endpoint that returns a single image per
// request, as many IP cameras expose.
type SnapshotSource struct {
	url    string
	client *http.Client

	mu   sync.Mutex
	open bool
	lost chan struct{}
}

var _ Source = (*SnapshotSource)(nil)

// NewSnapshotSource creates a polling source for url.
func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Open verifies the endpoint answers with an image.
func (s *SnapshotSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("camera %s is already open", s.url)
	}
	if _, err := s.fetch(ctx); err != nil {
		return err
	}
	s.open = true
	s.lost = make(chan struct{})
	return nil
}

// Frame fetches a fresh snapshot.
func (s *SnapshotSource) Frame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return nil, ErrClosed
	}
	return s.fetch(ctx)
}

// Lost is never closed; a failing endpoint only fails individual frames.
func (s *SnapshotSource) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close marks the source closed.
func (s *SnapshotSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *SnapshotSource) fetch(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned %d", ErrPermissionDenied, s.url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned %d", ErrDeviceUnavailable, s.url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Image: img, CapturedAt: time.Now()}, nil
}

// FileSource serves one image file as a never-changing camera. Used for
// demos and for exercising the pipeline without hardware.
type FileSource struct {
	path string

	mu    sync.Mutex
	frame *Frame
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a source backed by the image at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Open loads and decodes the file.
func (s *FileSource) Open(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, s.path)
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = &Frame{Image: img}
	return nil
}

// Frame returns the image stamped with the current time.
func (s *FileSource) Frame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, ErrClosed
	}
	return &Frame{Image: s.frame.Image, CapturedAt: time.Now()}, nil
}

// Lost is never closed.
func (s *FileSource) Lost() <-chan struct{} { return nil }

// Close drops the decoded image.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = nil
	return nil
}
