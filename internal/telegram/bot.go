// Package telegram delivers saved reports to a chat and accepts a few
// remote-control commands over the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIBase  string // overrides the Bot API host
	Logger   *zap.SugaredLogger
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// TelegramBot sends messages and documents to a single chat.
type TelegramBot struct {
	mu         sync.RWMutex
	botToken   string
	chatID     string
	enabled    bool
	apiBase    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config) *TelegramBot {
	base := strings.TrimRight(config.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TelegramBot{
		botToken:   config.BotToken,
		chatID:     config.ChatID,
		enabled:    config.Enabled,
		apiBase:    base,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.Named("telegram"),
	}
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if !config.Enabled {
		return nil
	}
	if config.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when enabled")
	}
	if config.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when enabled")
	}
	return nil
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.enabled
}

// SetEnabled enables or disables the bot
func (tb *TelegramBot) SetEnabled(enabled bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.enabled = enabled
}

func (tb *TelegramBot) target() (token, chatID string, err error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if !tb.enabled {
		return "", "", fmt.Errorf("telegram bot is disabled")
	}
	if tb.botToken == "" || tb.chatID == "" {
		return "", "", fmt.Errorf("telegram bot token or chat ID not configured")
	}
	return tb.botToken, tb.chatID, nil
}

func (tb *TelegramBot) methodURL(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, token, method)
}

// SendMessage sends an HTML-formatted text message.
func (tb *TelegramBot) SendMessage(ctx context.Context, message string) error {
	token, chatID, err := tb.target()
	if err != nil {
		return err
	}
	_, err = tb.sendJSON(ctx, token, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	return err
}

// SendReport uploads a saved report document with a caption.
func (tb *TelegramBot) SendReport(ctx context.Context, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	return tb.sendFile(ctx, "sendDocument", "document", filepath.Base(path), data, caption)
}

// SendPhoto sends a JPEG with an optional caption.
func (tb *TelegramBot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	return tb.sendFile(ctx, "sendPhoto", "photo", "snapshot.jpg", photoData, caption)
}

func (tb *TelegramBot) sendFile(ctx context.Context, method, field, name string, data []byte, caption string) error {
	token, chatID, err := tb.target()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}
	part, err := writer.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write %s data: %w", field, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(token, method), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", field, err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	if err == nil {
		tb.logger.Debugw("File sent", "method", method, "name", name, "bytes", len(data))
	}
	return err
}

func (tb *TelegramBot) sendJSON(ctx context.Context, token, method string, payload map[string]any) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(token, method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

// handleResponse processes the Telegram API response
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}
