// Package console is the terminal front end: a mode-aware action menu and
// the yes/no prompt used when a live session ends.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"

	"potholecam/internal/detection"
	"potholecam/internal/report"
	"potholecam/internal/session"
)

// Controller is what the menu drives.
type Controller interface {
	State() session.State
	SelectImage(name string, data []byte) (bool, error)
	Analyze(ctx context.Context) (*detection.Analysis, error)
	NewAnalysis() error
	StartLive(ctx context.Context) error
	StopLive(ctx context.Context, reason session.StopReason) error
}

// Action is a menu entry.
type Action string

const (
	ActionStartLive   Action = "start"
	ActionStopLive    Action = "stop"
	ActionStatus      Action = "status"
	ActionSelectImage Action = "select"
	ActionAnalyze     Action = "analyze"
	ActionNewAnalysis Action = "new"
	ActionQuit        Action = "quit"
)

var actionLabels = map[Action]string{
	ActionStartLive:   "Start camera",
	ActionStopLive:    "Stop camera",
	ActionStatus:      "Show session status",
	ActionSelectImage: "Choose an image",
	ActionAnalyze:     "Analyze image",
	ActionNewAnalysis: "New analysis",
	ActionQuit:        "Quit",
}

// Actions lists what the user may do in mode.
func Actions(mode session.Mode) []Action {
	switch mode {
	case session.Live:
		return []Action{ActionStopLive, ActionStatus, ActionQuit}
	case session.Preview:
		return []Action{ActionAnalyze, ActionSelectImage, ActionNewAnalysis, ActionQuit}
	case session.Results:
		return []Action{ActionNewAnalysis, ActionSelectImage, ActionQuit}
	default:
		return []Action{ActionStartLive, ActionSelectImage, ActionQuit}
	}
}

// Prompter serializes access to the terminal. The menu and the report
// prompt may ask from different goroutines; only one form runs at a time.
type Prompter struct {
	mu         sync.Mutex
	accessible bool
	out        io.Writer
}

// NewPrompter creates a prompter. Accessible mode uses plain line input,
// which also works when stdin is not a terminal.
func NewPrompter(accessible bool, out io.Writer) *Prompter {
	if out == nil {
		out = os.Stdout
	}
	return &Prompter{accessible: accessible, out: out}
}

var _ report.Confirmer = (*Prompter)(nil)

// Confirm asks a yes/no question. An aborted form counts as no.
func (p *Prompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	var ok bool
	err := p.run(ctx, huh.NewConfirm().
		Title(prompt).
		Affirmative("Yes").
		Negative("No").
		Value(&ok))
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func (p *Prompter) choose(ctx context.Context, title string, actions []Action) (Action, error) {
	options := make([]huh.Option[Action], 0, len(actions))
	for _, a := range actions {
		options = append(options, huh.NewOption(actionLabels[a], a))
	}
	choice := actions[0]
	err := p.run(ctx, huh.NewSelect[Action]().
		Title(title).
		Options(options...).
		Value(&choice))
	return choice, err
}

func (p *Prompter) input(ctx context.Context, title string) (string, error) {
	var value string
	err := p.run(ctx, huh.NewInput().
		Title(title).
		Value(&value))
	return strings.TrimSpace(value), err
}

func (p *Prompter) run(ctx context.Context, field huh.Field) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return huh.NewForm(huh.NewGroup(field)).
		WithAccessible(p.accessible).
		WithShowHelp(false).
		RunWithContext(ctx)
}

// Printf writes to the console output while holding the terminal.
func (p *Prompter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// Menu runs the interactive loop.
type Menu struct {
	ctrl     Controller
	prompter *Prompter
	logger   *zap.SugaredLogger
	readFile func(string) ([]byte, error)
}

// NewMenu creates a menu over ctrl.
func NewMenu(ctrl Controller, prompter *Prompter, logger *zap.SugaredLogger) *Menu {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Menu{ctrl: ctrl, prompter: prompter, logger: logger.Named("console"), readFile: os.ReadFile}
}

// Run shows the menu until the user quits, aborts, or ctx is done.
func (m *Menu) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		st := m.ctrl.State()
		action, err := m.prompter.choose(ctx, fmt.Sprintf("Pothole detector (%s)", st.Mode), Actions(st.Mode))
		if errors.Is(err, huh.ErrUserAborted) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("menu failed: %w", err)
		}
		if action == ActionQuit {
			return nil
		}
		if msg := m.Perform(ctx, action); msg != "" {
			m.prompter.Printf("%s\n", msg)
		}
	}
}

// Perform executes one action and returns the text to show.
func (m *Menu) Perform(ctx context.Context, action Action) string {
	switch action {
	case ActionStartLive:
		if err := m.ctrl.StartLive(ctx); err != nil {
			if session.IsDeviceError(err) {
				return "Camera error: " + err.Error()
			}
			return "Could not start camera: " + err.Error()
		}
		return "Live detection running."
	case ActionStopLive:
		if err := m.ctrl.StopLive(ctx, session.ReasonUser); err != nil {
			return "Stopped with errors: " + err.Error()
		}
		return "Live detection stopped."
	case ActionStatus:
		return FormatState(m.ctrl.State())
	case ActionSelectImage:
		path, err := m.prompter.input(ctx, "Image path")
		if err != nil || path == "" {
			return ""
		}
		return m.selectImage(path)
	case ActionAnalyze:
		analysis, err := m.ctrl.Analyze(ctx)
		if err != nil {
			return "Analysis failed: " + err.Error()
		}
		return FormatAnalysis(analysis)
	case ActionNewAnalysis:
		if err := m.ctrl.NewAnalysis(); err != nil {
			return err.Error()
		}
		return ""
	}
	return ""
}

func (m *Menu) selectImage(path string) string {
	data, err := m.readFile(path)
	if err != nil {
		return "Cannot read image: " + err.Error()
	}
	ok, err := m.ctrl.SelectImage(filepath.Base(path), data)
	if err != nil {
		return err.Error()
	}
	if !ok {
		return fmt.Sprintf("%s is not an image; ignored.", filepath.Base(path))
	}
	return fmt.Sprintf("Selected %s (%d KB).", filepath.Base(path), (len(data)+1023)/1024)
}

// FormatAnalysis renders the still-image results view.
func FormatAnalysis(a *detection.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Potholes detected: %d\n", a.Count)
	fmt.Fprintf(&b, "Average confidence: %s\n", a.AverageConfidenceLabel())
	for i, row := range a.SeverityPanel {
		emoji := row.Emoji
		if emoji == "" {
			emoji = "-"
		}
		fmt.Fprintf(&b, "  #%d %s %s (%s)\n", i+1, emoji, row.Level, detection.FormatPercent(row.Confidence))
	}
	if a.ResultImage != "" {
		fmt.Fprintf(&b, "Annotated image: %s\n", a.ResultImage)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatState renders the live status line, or the mode when not live.
func FormatState(st session.State) string {
	live := st.Live
	if live == nil {
		return "Mode: " + st.Mode.String()
	}
	loc := "unknown"
	if live.Location != nil {
		loc = fmt.Sprintf("%.5f, %.5f (±%.0f m)", live.Location.Latitude, live.Location.Longitude, live.Location.Accuracy)
	}
	return fmt.Sprintf("Frames: %d | FPS: %.1f | Duration: %s | Potholes: %d | Location: %s",
		live.Frames, live.FPS, live.Elapsed, live.Buffered, loc)
}
