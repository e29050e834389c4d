package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potholecam/internal/session"
)

type apiCall struct {
	method   string
	fields   map[string]string
	fileName string
	fileData string
	json     map[string]any
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	updates string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	call := apiCall{method: method, fields: map[string]string{}}

	switch {
	case method == "getUpdates":
		f.mu.Lock()
		updates := f.updates
		f.updates = "[]"
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true, "result": ` + updates + `}`))
		return
	case strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/"):
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				call.fields[k] = v[0]
			}
			for _, files := range r.MultipartForm.File {
				fh := files[0]
				call.fileName = fh.Filename
				file, _ := fh.Open()
				data, _ := io.ReadAll(file)
				call.fileData = string(data)
			}
		}
	default:
		_ = json.NewDecoder(r.Body).Decode(&call.json)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{"ok": true, "result": {}}`))
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newBot(t *testing.T, api http.Handler) *TelegramBot {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewTelegramBot(Config{BotToken: "tok", ChatID: "42", Enabled: true, APIBase: srv.URL})
}

func TestSendReportUploadsDocument(t *testing.T) {
	api := &fakeAPI{}
	bot := newBot(t, api)

	path := filepath.Join(t.TempDir(), "pothole_report_1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))

	require.NoError(t, bot.SendReport(context.Background(), path, "3 potholes"))

	calls := api.recorded()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "sendDocument", call.method)
	assert.Equal(t, "42", call.fields["chat_id"])
	assert.Equal(t, "3 potholes", call.fields["caption"])
	assert.Equal(t, "pothole_report_1.pdf", call.fileName)
	assert.Equal(t, "%PDF", call.fileData)
}

func TestDisabledBotRefusesToSend(t *testing.T) {
	bot := NewTelegramBot(Config{BotToken: "tok", ChatID: "42"})
	assert.Error(t, bot.SendMessage(context.Background(), "hi"))
}

func TestAPIErrorIsReported(t *testing.T) {
	bot := newBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "error_code": 400, "description": "chat not found"}`))
	}))
	err := bot.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
}

type fakeController struct {
	state   session.State
	started int
	stopped []session.StopReason
}

func (f *fakeController) State() session.State { return f.state }
func (f *fakeController) StartLive(ctx context.Context) error {
	f.started++
	f.state.Mode = session.Live
	return nil
}
func (f *fakeController) StopLive(ctx context.Context, reason session.StopReason) error {
	f.stopped = append(f.stopped, reason)
	f.state.Mode = session.Idle
	return nil
}

func TestCommandsFromAuthorizedChatOnly(t *testing.T) {
	api := &fakeAPI{updates: `[
		{"update_id": 10, "message": {"message_id": 1, "chat": {"id": 7}, "text": "/live"}},
		{"update_id": 11, "message": {"message_id": 2, "chat": {"id": 42}, "text": "/live@potholebot"}},
		{"update_id": 12, "message": {"message_id": 3, "chat": {"id": 42}, "text": "/stop"}}
	]`}
	bot := newBot(t, api)
	ctrl := &fakeController{}
	ch := NewCommandHandler(bot, ctrl, nil)

	require.NoError(t, ch.pollUpdates(context.Background()))

	assert.Equal(t, 1, ctrl.started)
	assert.Equal(t, []session.StopReason{session.ReasonUser}, ctrl.stopped)
	assert.Equal(t, int64(12), ch.lastUpdateID)

	calls := api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "Live detection started.", calls[0].json["text"])
	assert.Equal(t, "Live detection stopped.", calls[1].json["text"])
}

func TestStatusReportsLiveCounters(t *testing.T) {
	ctrl := &fakeController{state: session.State{
		Mode: session.Live,
		Live: &session.Stats{Frames: 12, FPS: 4.8, Elapsed: "00:03", Buffered: 5},
	}}
	ch := NewCommandHandler(NewTelegramBot(Config{}), ctrl, nil)

	status := ch.handleStatus()
	assert.Contains(t, status, "live")
	assert.Contains(t, status, "12 (4.8 fps)")
	assert.Contains(t, status, "5 potholes")
}

func TestSnapshotCommand(t *testing.T) {
	api := &fakeAPI{}
	bot := newBot(t, api)

	ch := NewCommandHandler(bot, &fakeController{}, func() []byte { return nil })
	assert.Equal(t, "No frame available yet.", ch.handleSnapshot(context.Background()))

	ch = NewCommandHandler(bot, &fakeController{}, func() []byte { return []byte("jpeg") })
	assert.Empty(t, ch.handleSnapshot(context.Background()))
	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
}
