package websocket

import (
	"time"

	"trialguard/internal/license"
)

// Message types pushed to clients
const (
	TypeConnection      = "connection"
	TypeTrialStatus     = "trial:status"
	TypeTrialTransition = "trial:transition"
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// TransitionData is the payload of a trial:transition message.
type TransitionData struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	TamperFlags []string `json:"tamper_flags"`
	At          string   `json:"at"`
}

// NewTransitionData converts a state machine transition for the wire.
func NewTransitionData(t license.Transition) TransitionData {
	flags := t.Flags.Strings()
	if flags == nil {
		flags = []string{}
	}
	return TransitionData{
		From:        t.From.String(),
		To:          t.To.String(),
		TamperFlags: flags,
		At:          t.At.UTC().Format(time.RFC3339),
	}
}

func newMessage(msgType string, data interface{}, traceID string) Message {
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   traceID,
	}
}
