package workerproc

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kitfactory/nagomi/internal/protocol"
)

func shellCmd() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "sh"
}

func lineEnding() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

// collectWorker pumps Worker stdout into a buffer and exposes the decoded
// messages it has seen so far.
type collectWorker struct {
	*Worker
	buf *syncBuffer
}

func newCollectWorker() *collectWorker {
	buf := newSyncBuffer()
	return &collectWorker{Worker: NewWorker(buf), buf: buf}
}

func (c *collectWorker) messages() []protocol.Message {
	var out []protocol.Message
	for _, line := range strings.Split(strings.TrimRight(c.buf.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		out = append(out, protocol.ParseLine(line))
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, pred func([]protocol.Message) bool, c *collectWorker) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msgs := c.messages()
		if pred(msgs) {
			return msgs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s; messages: %v", timeout, c.messages())
	return nil
}

func containsOutputWithSubstring(msgs []protocol.Message, substr string) bool {
	for _, m := range msgs {
		if m.Kind == protocol.KindOutput && strings.Contains(strings.ToLower(m.Output.Chunk), substr) {
			return true
		}
	}
	return false
}

func containsExit(msgs []protocol.Message) bool {
	for _, m := range msgs {
		if m.Kind == protocol.KindExit {
			return true
		}
	}
	return false
}

func countExits(msgs []protocol.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == protocol.KindExit {
			n++
		}
	}
	return n
}

func TestStartSessionThenEchoProducesOutput(t *testing.T) {
	cw := newCollectWorker()
	cw.Dispatch(protocol.NewStartSession(protocol.StartSession{
		SessionID: "s1", Cmd: shellCmd(), Cols: 80, Rows: 24,
	}))
	cw.Dispatch(protocol.NewSendInput(protocol.SendInput{
		SessionID: "s1", Text: "echo ok" + lineEnding(),
	}))

	waitFor(t, 5*time.Second, func(msgs []protocol.Message) bool {
		return containsOutputWithSubstring(msgs, "ok")
	}, cw)
}

func TestSecondStartSessionIsRejected(t *testing.T) {
	cw := newCollectWorker()
	cw.Dispatch(protocol.NewStartSession(protocol.StartSession{
		SessionID: "s1", Cmd: shellCmd(), Cols: 80, Rows: 24,
	}))
	cw.Dispatch(protocol.NewStartSession(protocol.StartSession{
		SessionID: "s2", Cmd: shellCmd(), Cols: 80, Rows: 24,
	}))

	waitFor(t, 2*time.Second, func(msgs []protocol.Message) bool {
		for _, m := range msgs {
			if m.Kind == protocol.KindError && m.Error.Message == "session already exists" {
				return true
			}
		}
		return false
	}, cw)
}

func TestSendInputMismatchedSessionID(t *testing.T) {
	cw := newCollectWorker()
	cw.Dispatch(protocol.NewStartSession(protocol.StartSession{
		SessionID: "s1", Cmd: shellCmd(), Cols: 80, Rows: 24,
	}))
	cw.Dispatch(protocol.NewSendInput(protocol.SendInput{SessionID: "other", Text: "x"}))

	waitFor(t, 2*time.Second, func(msgs []protocol.Message) bool {
		for _, m := range msgs {
			if m.Kind == protocol.KindError && m.Error.Message == "session_id mismatch" {
				return true
			}
		}
		return false
	}, cw)
}

func TestCommandsBeforeStartYieldNotStarted(t *testing.T) {
	cw := newCollectWorker()
	cw.Dispatch(protocol.NewSendInput(protocol.SendInput{SessionID: "s1", Text: "x"}))

	waitFor(t, 2*time.Second, func(msgs []protocol.Message) bool {
		for _, m := range msgs {
			if m.Kind == protocol.KindError && m.Error.Message == "session not started" {
				return true
			}
		}
		return false
	}, cw)
}

func TestExactlyOneExitPerSession(t *testing.T) {
	cw := newCollectWorker()
	cw.Dispatch(protocol.NewStartSession(protocol.StartSession{
		SessionID: "s1", Cmd: shellCmd(), Cols: 80, Rows: 24,
	}))
	cw.Dispatch(protocol.NewSendInput(protocol.SendInput{
		SessionID: "s1", Text: "exit" + lineEnding(),
	}))

	waitFor(t, 5*time.Second, containsExit, cw)

	// A subsequent stop must not produce a second exit.
	cw.Dispatch(protocol.NewStopSession(protocol.StopSession{SessionID: "s1"}))
	time.Sleep(300 * time.Millisecond)

	if got := countExits(cw.messages()); got != 1 {
		t.Fatalf("expected exactly one exit message, got %d", got)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent Write/String, since the
// Worker's stdout writer goroutine writes while the test reads.
type syncBuffer struct {
	mu  chan struct{}
	buf bytes.Buffer
}

func newSyncBuffer() *syncBuffer {
	b := &syncBuffer{mu: make(chan struct{}, 1)}
	b.mu <- struct{}{}
	return b
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	<-b.mu
	defer func() { b.mu <- struct{}{} }()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	<-b.mu
	defer func() { b.mu <- struct{}{} }()
	return b.buf.String()
}
