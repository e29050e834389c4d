package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ServiceError is a failure reported by the inference service: a non-2xx
// status or a response without success.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return "detection service error: " + e.Message
	}
	return fmt.Sprintf("detection service error (%d): %s", e.StatusCode, e.Message)
}

// ImageResult is the still-image response.
type ImageResult struct {
	Count       int
	Detections  []Detection
	ResultImage string // service-relative path or data URL of the annotated image
}

// detectResponse covers both /detect and /detect_frame.
type detectResponse struct {
	Success     bool        `json:"success"`
	Count       int         `json:"count"`
	Detections  []Detection `json:"detections"`
	ResultImage string      `json:"result_image,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint string
	// StillTimeout bounds the still-image request. Live frame requests are
	// unbounded; the loop's single in-flight permit provides back-pressure.
	StillTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Client talks to the pothole inference service.
type Client struct {
	endpoint    string
	stillClient *http.Client
	frameClient *http.Client
	logger      *zap.SugaredLogger
}

// NewClient creates a new inference client
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.StillTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second // depth estimation on CPU is slow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		stillClient: &http.Client{Timeout: timeout},
		frameClient: &http.Client{},
		logger:      logger.Named("detector"),
	}
}

// Endpoint returns the service base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// DetectImage uploads a still image as multipart field "image".
func (c *Client) DetectImage(ctx context.Context, filename string, data []byte) (*ImageResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	result, err := c.do(c.stillClient, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debugw("Still detection complete",
		"file", filename, "count", len(result.Detections), "took", time.Since(start))

	return &ImageResult{
		Count:       result.Count,
		Detections:  result.Detections,
		ResultImage: result.ResultImage,
	}, nil
}

// DetectFrame posts one JPEG frame as a data URL and returns the boxes.
func (c *Client) DetectFrame(ctx context.Context, jpeg []byte) ([]Detection, error) {
	body, err := json.Marshal(map[string]string{
		"frame": EncodeDataURL("image/jpeg", jpeg),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect_frame", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	result, err := c.do(c.frameClient, req)
	if err != nil {
		return nil, err
	}
	return result.Detections, nil
}

// ResultImageURL resolves the result_image field to an absolute URL. Data
// URLs and absolute URLs are returned unchanged.
func (c *Client) ResultImageURL(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.endpoint + ref
}

// FetchResultImage downloads the annotated image referenced by an
// ImageResult.
func (c *Client) FetchResultImage(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("no result image")
	}
	if strings.HasPrefix(ref, "data:") {
		_, data, err := DecodeDataURL(ref)
		return data, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResultImageURL(ref), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stillClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: "result image unavailable"}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(client *http.Client, req *http.Request) (*detectResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detection response: %w", err)
	}

	var result detectResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := result.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", decodeErr)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "detection failed"
		}
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &result, nil
}
