// Package protocol defines the newline-delimited JSON frames exchanged with
// the daemon: one Request per inbound line, one Response per outbound line.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action names the operation a Request asks for.
type Action string

const (
	ActionTranscribe Action = "transcribe"
	ActionLoadModel  Action = "load_model"
	ActionPing       Action = "ping"
	ActionShutdown   Action = "shutdown"
)

// Status is the status field shared by responses and diagnostic events.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusInfo     Status = "info"
	StatusReady    Status = "ready"
	StatusStarting Status = "starting"
	StatusStopped  Status = "stopped"
)

const (
	// DefaultLanguage asks the engine to detect the spoken language.
	DefaultLanguage = "auto"
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "small"

	MessagePong         = "pong"
	MessageShuttingDown = "shutting down"
)

// Request is one decoded inbound frame.
type Request struct {
	Action    Action `json:"action"`
	AudioPath string `json:"audio_path,omitempty"`
	Language  string `json:"language,omitempty"`
	Model     string `json:"model,omitempty"`

	// fields present with a non-string JSON value
	invalid fieldSet
}

// Request field names.
const (
	FieldAudioPath = "audio_path"
	FieldLanguage  = "language"
	FieldModel     = "model"
)

type fieldSet uint8

var fieldBits = map[string]fieldSet{
	FieldAudioPath: 1 << 0,
	FieldLanguage:  1 << 1,
	FieldModel:     1 << 2,
}

// Check returns an ErrValidation error for the first of the named fields
// that was present in the frame with a non-string value. Handlers call it
// for the fields they use; the others are ignored.
func (r Request) Check(fields ...string) error {
	for _, f := range fields {
		if r.invalid&fieldBits[f] != 0 {
			return NewError(ErrValidation, nil, "Invalid %s parameter: expected a string", f)
		}
	}
	return nil
}

// WithDefaults fills an empty language and model with the given fallbacks.
func (r Request) WithDefaults(model, language string) Request {
	if r.Model == "" {
		r.Model = model
	}
	if r.Language == "" {
		r.Language = language
	}
	return r
}

// Response is one outbound frame.
type Response struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Text      string `json:"text,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Success returns a success response carrying a message.
func Success(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

// Transcript returns a success response carrying transcribed text.
func Transcript(text string) Response {
	return Response{Status: StatusSuccess, Text: text}
}

// Failure returns an error response carrying a message.
func Failure(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// DecodeRequest parses a single inbound line. Only a line that is not a
// JSON object is an ErrParse failure. A non-string action is kept as its
// JSON text so it can be reported as unknown; other fields with the wrong
// type are remembered for Check. JSON null counts as absent.
func DecodeRequest(line []byte) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &raw); err != nil {
		return Request{}, NewError(ErrParse, err, "Invalid JSON: %v", err)
	}
	if raw == nil {
		return Request{}, NewError(ErrParse, nil, "Invalid JSON: request must be a JSON object")
	}

	var req Request
	if v, ok := raw["action"]; ok {
		if s, ok := stringValue(v); ok {
			req.Action = Action(s)
		} else if !isNull(v) {
			var buf bytes.Buffer
			if json.Compact(&buf, v) == nil {
				req.Action = Action(buf.String())
			}
		}
	}
	for name, dst := range map[string]*string{
		FieldAudioPath: &req.AudioPath,
		FieldLanguage:  &req.Language,
		FieldModel:     &req.Model,
	} {
		v, ok := raw[name]
		if !ok || isNull(v) {
			continue
		}
		if s, ok := stringValue(v); ok {
			*dst = s
		} else {
			req.invalid |= fieldBits[name]
		}
	}
	return req, nil
}

func stringValue(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// Encode renders the response as a single newline-terminated frame.
// HTML characters are not escaped so transcripts stay verbatim.
func (r Response) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a single outbound frame.
func DecodeResponse(frame []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(frame), &resp); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return resp, nil
}
