package hook

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCodexEventKindClassification(t *testing.T) {
	cases := []struct {
		name  string
		event map[string]any
		want  Kind
		ok    bool
	}{
		{"completed by type agent-turn-complete", map[string]any{"type": "agent-turn-complete"}, KindCompleted, true},
		{"completed by type turn.completed", map[string]any{"type": "turn.completed"}, KindCompleted, true},
		{"completed by status", map[string]any{"status": "complete"}, KindCompleted, true},
		{"error by type agent-error", map[string]any{"type": "agent-error"}, KindError, true},
		{"error by type agent-failed", map[string]any{"type": "agent-failed"}, KindError, true},
		{"error by status", map[string]any{"status": "error"}, KindError, true},
		{"need input by type need-input", map[string]any{"type": "need-input"}, KindNeedInput, true},
		{"need input by type input", map[string]any{"type": "input"}, KindNeedInput, true},
		{"need input by type permission_request", map[string]any{"type": "permission_request"}, KindNeedInput, true},
		{"need input by type request", map[string]any{"type": "request"}, KindNeedInput, true},
		{"need input by status waiting", map[string]any{"status": "waiting"}, KindNeedInput, true},
		{"unknown type drops", map[string]any{"type": "progress"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := codexEventKind(tc.event)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("codexEventKind(%v) = (%v, %v), want (%v, %v)", tc.event, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestClaudeEventKindClassification(t *testing.T) {
	if k, ok := claudeEventKind(map[string]any{"hook_event_name": "Stop"}); !ok || k != KindCompleted {
		t.Fatalf("Stop => (%v, %v)", k, ok)
	}
	if k, ok := claudeEventKind(map[string]any{"hook_event_name": "PermissionRequest"}); !ok || k != KindNeedInput {
		t.Fatalf("PermissionRequest => (%v, %v)", k, ok)
	}
	if k, ok := claudeEventKind(map[string]any{"hook_event_name": "Notification"}); !ok || k != KindNeedInput {
		t.Fatalf("Notification => (%v, %v)", k, ok)
	}
	if _, ok := claudeEventKind(map[string]any{"hook_event_name": "Other"}); ok {
		t.Fatal("expected unrecognized hook_event_name to drop")
	}
}

func TestOpencodeEventKindClassification(t *testing.T) {
	if k, ok := opencodeEventKind(map[string]any{"type": "session.idle"}); !ok || k != KindCompleted {
		t.Fatalf("session.idle => (%v, %v)", k, ok)
	}
	if k, ok := opencodeEventKind(map[string]any{"type": "session.error"}); !ok || k != KindError {
		t.Fatalf("session.error => (%v, %v)", k, ok)
	}
	if k, ok := opencodeEventKind(map[string]any{"type": "permission.updated"}); !ok || k != KindNeedInput {
		t.Fatalf("permission.updated => (%v, %v)", k, ok)
	}
}

func TestFollowerIngestsAppendedLinesAndTrims(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make(chan Event, 10)
	f := newFollower("codex", path)
	f.start(func(e Event) { events <- e })
	defer f.stop()

	appendLine(t, path, `{"type":"agent-turn-complete","thread_id":"abc"}`)

	select {
	case e := <-events:
		if e.Kind != KindCompleted {
			t.Fatalf("expected completed, got %v", e.Kind)
		}
		if e.SourceSessionID != "abc" {
			t.Fatalf("expected source_session_id from thread_id fallback, got %q", e.SourceSessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for classified event")
	}
}

func TestFollowerToleratesTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opencode.jsonl")
	appendLine(t, path, `{"type":"session.idle"}`)

	events := make(chan Event, 10)
	f := newFollower("opencode", path)
	f.start(func(e Event) { events <- e })
	defer f.stop()

	waitForEvent(t, events)

	// Truncate and write a fresh shorter line; offset must reset to 0.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	appendLine(t, path, `{"type":"session.error"}`)

	select {
	case e := <-events:
		if e.Kind != KindError {
			t.Fatalf("expected error after truncation, got %v", e.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for post-truncation event")
	}
}

func TestManagerSingleActiveToolPolicy(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, func(Event) {})

	m.SetTool("codex")
	first := m.active
	m.SetTool("codex")
	if m.active != first {
		t.Fatal("SetTool with the same tool should be a no-op")
	}

	m.SetTool("claude")
	if m.active == first {
		t.Fatal("expected switching tools to replace the active follower")
	}

	m.Stop()
	if m.active != nil {
		t.Fatal("expected Stop to clear the active follower")
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func waitForEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
