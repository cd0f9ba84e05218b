// Package protocol implements the NDJSON wire protocol shared between the
// nagomi worker process and the orchestrator's supervisor.
//
// A line on the wire is a single UTF-8 JSON object terminated by '\n'. The
// "type" field discriminates between seven known message kinds; anything
// else (or anything that fails to parse into the shape its type implies)
// is preserved as an Unknown value rather than dropped or treated as an
// error.
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind identifies the discriminated message type.
type Kind string

const (
	KindStartSession Kind = "start_session"
	KindSendInput    Kind = "send_input"
	KindResize       Kind = "resize"
	KindStopSession  Kind = "stop_session"
	KindOutput       Kind = "output"
	KindExit         Kind = "exit"
	KindError        Kind = "error"
	KindUnknown      Kind = "" // sentinel, never serialized
)

// Stream identifies which child stream an Output chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// StartSession requests that a worker spawn a child process behind a PTY.
type StartSession struct {
	SessionID string            `json:"session_id"`
	Cmd       string            `json:"cmd"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
}

// SendInput writes text verbatim to the session's PTY.
type SendInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Resize changes a session's PTY dimensions.
type Resize struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// StopSession requests termination of a session's child process.
type StopSession struct {
	SessionID string `json:"session_id"`
}

// Output carries a coalesced chunk of child output.
type Output struct {
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Chunk     string `json:"chunk"`
}

// Exit reports a session's child process termination.
type Exit struct {
	SessionID string `json:"session_id"`
	ExitCode  int32  `json:"exit_code"`
}

// ErrorMessage reports a session-scoped or protocol-scoped failure.
type ErrorMessage struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Message is a closed sum of the seven known kinds plus an Unknown
// passthrough for anything else. Exactly one of the typed fields is set,
// selected by Kind.
type Message struct {
	Kind Kind

	StartSession *StartSession
	SendInput    *SendInput
	Resize       *Resize
	StopSession  *StopSession
	Output       *Output
	Exit         *Exit
	Error        *ErrorMessage

	// Unknown carries the raw decoded value for any line whose type is
	// unrecognized, or whose type is known but whose shape doesn't parse.
	Unknown json.RawMessage
}

// envelope is used for the initial "peek at type" decode.
type envelope struct {
	Type string `json:"type"`
}

// ParseLine parses a single NDJSON line into a Message. It never returns
// an error: anything that doesn't parse as valid JSON, or that declares an
// unrecognized/malformed type, becomes Message{Kind: KindUnknown}.
func ParseLine(line string) Message {
	trimmed := strings.TrimRight(line, "\r\n")

	var env envelope
	raw := json.RawMessage(trimmed)
	if err := json.Unmarshal(raw, &env); err != nil {
		return unknownMessage(raw)
	}

	switch Kind(env.Type) {
	case KindStartSession:
		var m StartSession
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindStartSession, StartSession: &m}
		}
	case KindSendInput:
		var m SendInput
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindSendInput, SendInput: &m}
		}
	case KindResize:
		var m Resize
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindResize, Resize: &m}
		}
	case KindStopSession:
		var m StopSession
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindStopSession, StopSession: &m}
		}
	case KindOutput:
		var m Output
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindOutput, Output: &m}
		}
	case KindExit:
		var m Exit
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindExit, Exit: &m}
		}
	case KindError:
		var m ErrorMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			return Message{Kind: KindError, Error: &m}
		}
	}
	return unknownMessage(raw)
}

func unknownMessage(raw json.RawMessage) Message {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Message{Kind: KindUnknown, Unknown: cp}
}

// SerializeMessage renders a Message back to its NDJSON line, including the
// trailing newline. The "type" field is always re-injected after encoding
// the typed payload so that field ordering drift in the struct can never
// desync the wire type from the payload shape.
func SerializeMessage(m Message) string {
	var raw json.RawMessage
	var typ string

	switch m.Kind {
	case KindStartSession:
		raw, _ = json.Marshal(m.StartSession)
		typ = string(KindStartSession)
	case KindSendInput:
		raw, _ = json.Marshal(m.SendInput)
		typ = string(KindSendInput)
	case KindResize:
		raw, _ = json.Marshal(m.Resize)
		typ = string(KindResize)
	case KindStopSession:
		raw, _ = json.Marshal(m.StopSession)
		typ = string(KindStopSession)
	case KindOutput:
		raw, _ = json.Marshal(m.Output)
		typ = string(KindOutput)
	case KindExit:
		raw, _ = json.Marshal(m.Exit)
		typ = string(KindExit)
	case KindError:
		raw, _ = json.Marshal(m.Error)
		typ = string(KindError)
	default:
		line := string(m.Unknown)
		if line == "" {
			line = "{}"
		}
		return line + "\n"
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		obj = map[string]json.RawMessage{}
	}
	typeJSON, _ := json.Marshal(typ)
	obj["type"] = typeJSON

	out, err := json.Marshal(obj)
	if err != nil {
		return `{"type":"unknown"}` + "\n"
	}
	return string(out) + "\n"
}

// Constructors mirroring the seven message kinds, for readability at call
// sites that build messages rather than parse them.

func NewStartSession(m StartSession) Message   { return Message{Kind: KindStartSession, StartSession: &m} }
func NewSendInput(m SendInput) Message         { return Message{Kind: KindSendInput, SendInput: &m} }
func NewResize(m Resize) Message               { return Message{Kind: KindResize, Resize: &m} }
func NewStopSession(m StopSession) Message     { return Message{Kind: KindStopSession, StopSession: &m} }
func NewOutput(m Output) Message               { return Message{Kind: KindOutput, Output: &m} }
func NewExit(m Exit) Message                   { return Message{Kind: KindExit, Exit: &m} }
func NewError(m ErrorMessage) Message          { return Message{Kind: KindError, Error: &m} }

// NewErrorFor builds a non-recoverable error message for sessionID, the
// shape the worker emits for every lifecycle violation.
func NewErrorFor(sessionID, text string) Message {
	return NewError(ErrorMessage{SessionID: sessionID, Message: text, Recoverable: false})
}
