package protocol

import (
	"encoding/json"
	"testing"
)

func TestRoundTripKnownMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"start_session", NewStartSession(StartSession{
			SessionID: "session", Cmd: "cmd.exe", Cols: 120, Rows: 30,
		})},
		{"send_input", NewSendInput(SendInput{SessionID: "session", Text: "dir"})},
		{"resize", NewResize(Resize{SessionID: "session", Cols: 100, Rows: 40})},
		{"stop_session", NewStopSession(StopSession{SessionID: "session"})},
		{"output", NewOutput(Output{SessionID: "session", Stream: "stdout", Chunk: "hello"})},
		{"exit", NewExit(Exit{SessionID: "session", ExitCode: 0})},
		{"error", NewError(ErrorMessage{SessionID: "session", Message: "fail", Recoverable: true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := SerializeMessage(tt.msg)
			got := ParseLine(line)
			if got.Kind != tt.msg.Kind {
				t.Fatalf("kind mismatch: got %q want %q", got.Kind, tt.msg.Kind)
			}
			// Re-serialize and compare JSON shape rather than Go struct identity,
			// since Unknown round-trips through json.RawMessage.
			if SerializeMessage(got) != line {
				t.Fatalf("round trip mismatch:\n got: %s\nwant: %s", SerializeMessage(got), line)
			}
		})
	}
}

func TestUnknownMessageType(t *testing.T) {
	line := `{"type":"mystery","value":1}`
	parsed := ParseLine(line)
	if parsed.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %q", parsed.Kind)
	}
	var obj map[string]any
	if err := json.Unmarshal(parsed.Unknown, &obj); err != nil {
		t.Fatalf("unknown payload did not round-trip as JSON: %v", err)
	}
	if obj["value"].(float64) != 1 {
		t.Fatalf("unknown payload lost data: %v", obj)
	}
}

func TestMalformedKnownTypePreservedAsUnknown(t *testing.T) {
	// "start_session" but missing required-shape fields in a way that still
	// parses as valid JSON for the struct (all our fields are permissive),
	// so exercise a genuinely malformed case: cols as a string.
	line := `{"type":"start_session","session_id":"s","cmd":"sh","cols":"bad","rows":1}`
	parsed := ParseLine(line)
	if parsed.Kind != KindUnknown {
		t.Fatalf("expected malformed known-type message to fall back to Unknown, got %q", parsed.Kind)
	}
}

func TestEmptyLineIsUnknownNotPanic(t *testing.T) {
	parsed := ParseLine("")
	if parsed.Kind != KindUnknown {
		t.Fatalf("expected Unknown for empty line, got %q", parsed.Kind)
	}
}

func TestSerializeReinjectsType(t *testing.T) {
	line := SerializeMessage(NewOutput(Output{SessionID: "s", Stream: "stdout", Chunk: "x"}))
	var obj map[string]any
	if err := json.Unmarshal([]byte(line[:len(line)-1]), &obj); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if obj["type"] != "output" {
		t.Fatalf("type not reinjected: %v", obj)
	}
}
