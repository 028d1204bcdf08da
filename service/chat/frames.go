package chat

import (
	"bytes"
	"encoding/json"
	"time"

	"PPGateway/tools/errs"
)

// TimeLayout is ISO8601 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	FrameConnected = "connected"
	FrameResponse  = "response"
	FrameError     = "error"
	FrameMessage   = "message"
)

func timestamp() string { return time.Now().UTC().Format(TimeLayout) }

type connectedFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId,omitempty"`
	IsGuest   bool   `json:"isGuest"`
}

type responseFrame struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Inbound is a client command.
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func ConnectedFrame(userID string) []byte {
	b, _ := json.Marshal(connectedFrame{Type: FrameConnected, Timestamp: timestamp(), UserID: userID, IsGuest: userID == ""})
	return b
}

func ResponseFrame(action string, data json.RawMessage) []byte {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	b, _ := json.Marshal(responseFrame{Type: FrameResponse, Action: action, Data: data, Timestamp: timestamp()})
	return b
}

// FailureFrame is the response frame sent when forwarding never reached a
// backend answer.
func FailureFrame(action string, err error) []byte {
	data, _ := json.Marshal(map[string]any{"success": false, "error": errs.Message(err)})
	return ResponseFrame(action, data)
}

func ErrorFrame(msg string) []byte {
	b, _ := json.Marshal(errorFrame{Type: FrameError, Message: msg, Timestamp: timestamp()})
	return b
}

// PushFrame passes a bus payload through, adding a timestamp when the
// payload has none. Non-object payloads are wrapped as a "message" frame.
func PushFrame(payload []byte) []byte {
	var obj map[string]json.RawMessage
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &obj) == nil && obj != nil {
		if _, ok := obj["timestamp"]; ok {
			return append([]byte(nil), trimmed...)
		}
		ts, _ := json.Marshal(timestamp())
		obj["timestamp"] = ts
		b, _ := json.Marshal(obj)
		return b
	}

	data := json.RawMessage(trimmed)
	if !json.Valid(trimmed) {
		s, _ := json.Marshal(string(payload))
		data = s
	}
	b, _ := json.Marshal(map[string]any{"type": FrameMessage, "data": data, "timestamp": timestamp()})
	return b
}

// ParseInbound decodes a client command. Malformed JSON, a non-object body
// or a missing action are protocol errors.
func ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return in, errs.ErrMalformedFrame.Wrap()
	}
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return in, errs.ErrMalformedFrame.WrapMsg(err.Error())
	}
	if in.Action == "" {
		return in, errs.ErrMissingAction.Wrap()
	}
	if len(in.Data) == 0 || bytes.Equal(in.Data, []byte("null")) {
		in.Data = json.RawMessage("{}")
	}
	return in, nil
}
