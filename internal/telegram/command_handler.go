package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"potholecam/internal/detection"
	"potholecam/internal/session"
)

// Controller is the part of the session controller the bot drives.
type Controller interface {
	State() session.State
	StartLive(ctx context.Context) error
	StopLive(ctx context.Context, reason session.StopReason) error
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the part of an incoming message the handler reads.
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler polls for commands from the configured chat and maps them
// onto the live session.
type CommandHandler struct {
	bot          *TelegramBot
	controller   Controller
	snapshot     func() []byte
	pollInterval time.Duration
	startTime    time.Time

	mu           sync.Mutex
	lastUpdateID int64
}

// NewCommandHandler creates a handler. snapshot may be nil.
func NewCommandHandler(bot *TelegramBot, controller Controller, snapshot func() []byte) *CommandHandler {
	return &CommandHandler{
		bot:          bot,
		controller:   controller,
		snapshot:     snapshot,
		pollInterval: 2 * time.Second,
		startTime:    time.Now(),
	}
}

// StartPolling polls getUpdates until ctx is done.
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if _, _, err := ch.bot.target(); err != nil {
		return err
	}
	ch.bot.logger.Infow("Command polling started")

	ticker := time.NewTicker(ch.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ch.bot.logger.Infow("Command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && !errors.Is(err, context.Canceled) {
				ch.bot.logger.Warnw("Failed to poll updates", "error", err)
			}
		}
	}
}

func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	token, chatID, err := ch.bot.target()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	url := fmt.Sprintf("%s?offset=%d&timeout=1", ch.bot.methodURL(token, "getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := ch.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	result, err := handleResponse(resp)
	if err != nil {
		return err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()
		if update.Message != nil {
			ch.handleMessage(ctx, update.Message, chatID)
		}
	}
	return nil
}

func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage, authorizedChatID string) {
	if msg.Chat == nil {
		return
	}
	if strconv.FormatInt(msg.Chat.ID, 10) != authorizedChatID {
		ch.bot.logger.Warnw("Ignoring message from unauthorized chat", "chat", msg.Chat.ID)
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	command := strings.ToLower(strings.Fields(msg.Text)[0])
	// strip the bot username suffix, as in /status@mybot
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}
	ch.bot.logger.Debugw("Processing command", "command", command)

	var response string
	switch command {
	case "/start", "/help":
		response = ch.handleHelp()
	case "/status":
		response = ch.handleStatus()
	case "/live":
		response = ch.handleStartLive(ctx)
	case "/stop":
		response = ch.handleStopLive(ctx)
	case "/snapshot":
		response = ch.handleSnapshot(ctx)
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", command)
	}

	if response != "" {
		if err := ch.bot.SendMessage(ctx, response); err != nil {
			ch.bot.logger.Warnw("Failed to send reply", "error", err)
		}
	}
}

func (ch *CommandHandler) handleHelp() string {
	return "<b>Pothole camera</b>\n\n" +
		"/status - mode and live session counters\n" +
		"/live - start live detection\n" +
		"/stop - stop live detection\n" +
		"/snapshot - latest annotated frame"
}

func (ch *CommandHandler) handleStatus() string {
	st := ch.controller.State()
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Mode:</b> %s\n<b>Uptime:</b> %s\n", st.Mode, formatDuration(time.Since(ch.startTime)))
	if live := st.Live; live != nil {
		fmt.Fprintf(&b, "<b>Frames:</b> %d (%.1f fps)\n", live.Frames, live.FPS)
		fmt.Fprintf(&b, "<b>Elapsed:</b> %s\n", live.Elapsed)
		fmt.Fprintf(&b, "<b>Buffered:</b> %d potholes\n", live.Buffered)
		if live.Location != nil {
			fmt.Fprintf(&b, "<b>Location:</b> %.5f, %.5f (±%.0f m)\n",
				live.Location.Latitude, live.Location.Longitude, live.Location.Accuracy)
		}
		if live.Distance > 0 {
			fmt.Fprintf(&b, "<b>Distance:</b> %.0f m\n", live.Distance)
		}
	}
	if st.Analysis != nil {
		fmt.Fprintf(&b, "<b>Last analysis:</b> %d potholes, %s avg confidence\n",
			st.Analysis.Count, detection.FormatPercent(st.Analysis.AverageConfidence))
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "<b>Error:</b> %s\n", st.Error)
	}
	return b.String()
}

func (ch *CommandHandler) handleStartLive(ctx context.Context) string {
	if err := ch.controller.StartLive(ctx); err != nil {
		return fmt.Sprintf("Could not start live detection: %v", err)
	}
	return "Live detection started."
}

func (ch *CommandHandler) handleStopLive(ctx context.Context) string {
	if ch.controller.State().Mode != session.Live {
		return "Live detection is not running."
	}
	if err := ch.controller.StopLive(ctx, session.ReasonUser); err != nil {
		return fmt.Sprintf("Live detection stopped with errors: %v", err)
	}
	return "Live detection stopped."
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context) string {
	if ch.snapshot == nil {
		return "Snapshots are not available."
	}
	frame := ch.snapshot()
	if frame == nil {
		return "No frame available yet."
	}
	if err := ch.bot.SendPhoto(ctx, frame, ""); err != nil {
		return fmt.Sprintf("Failed to send snapshot: %v", err)
	}
	return ""
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
