package ws

import (
	"time"

	"potholecam/internal/detection"
	"potholecam/internal/session"
)

// Message is one dashboard update. Type is "state" for the snapshot sent on
// connect, otherwise the session event type.
type Message struct {
	Type        string                `json:"type"`
	Mode        session.Mode          `json:"mode"`
	Timestamp   time.Time             `json:"timestamp"`
	FrameWidth  int                   `json:"frame_width,omitempty"`
	FrameHeight int                   `json:"frame_height,omitempty"`
	Potholes    []detection.Detection `json:"potholes,omitempty"`
	Stats       *session.Stats        `json:"stats,omitempty"`
	State       *session.State        `json:"state,omitempty"`
	Report      any                   `json:"report,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// NewEventMessage converts a session event.
func NewEventMessage(ev session.Event) *Message {
	msg := &Message{
		Type:        string(ev.Type),
		Mode:        ev.Mode,
		Timestamp:   ev.Time,
		FrameWidth:  ev.FrameSize[0],
		FrameHeight: ev.FrameSize[1],
		Potholes:    ev.Detections,
		Stats:       ev.Stats,
		Error:       ev.Error,
	}
	if ev.Report != nil {
		msg.Report = ev.Report
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// NewStateMessage wraps a controller snapshot.
func NewStateMessage(st session.State) *Message {
	return &Message{
		Type:      "state",
		Mode:      st.Mode,
		Timestamp: time.Now(),
		Stats:     st.Live,
		State:     &st,
	}
}
