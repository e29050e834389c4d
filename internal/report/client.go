// Package report assembles end-of-session pothole reports and fetches the
// rendered document from the report service.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"potholecam/internal/detection"
	"potholecam/internal/location"
)

// Request is the /generate_report payload. Location and Image encode as
// null when absent.
type Request struct {
	Detections []detection.Detection `json:"detections"`
	Location   *location.Location    `json:"location"`
	Image      *string               `json:"image"` // JPEG data URL
}

// Generator renders a report document.
type Generator interface {
	Generate(ctx context.Context, req *Request) ([]byte, error)
}

// Client calls the report service.
type Client struct {
	endpoint string
	client   *http.Client
}

var _ Generator = (*Client)(nil)

// NewClient creates a report client for the service at endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: 2 * time.Minute, // PDF rendering with embedded images
		},
	}
}

// Generate posts the request and returns the document bytes.
func (c *Client) Generate(ctx context.Context, req *Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate_report", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &detection.ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}
	if len(data) == 0 {
		return nil, &detection.ServiceError{StatusCode: resp.StatusCode, Message: "empty report"}
	}
	return data, nil
}
