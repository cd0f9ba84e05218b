package workerproc

import (
	"bufio"
	"io"
	"time"

	"github.com/kitfactory/nagomi/internal/protocol"
)

const (
	stdoutBufferBytes     = 1 << 20
	stdoutFlushSizeBytes  = 64 * 1024
	stdoutFlushInterval   = 2 * time.Millisecond
	stdoutChannelCapacity = 256
)

// Worker owns at most one Session at a time and dispatches parsed
// protocol.Message values from stdin, serializing replies onto a
// buffered stdout writer.
type Worker struct {
	out     chan protocol.Message
	session *Session
}

// NewWorker creates a Worker writing serialized messages to w and starts
// its stdout writer goroutine; feed it parsed messages via Dispatch.
func NewWorker(w io.Writer) *Worker {
	wk := &Worker{out: make(chan protocol.Message, stdoutChannelCapacity)}
	go wk.writeLoop(w)
	return wk
}

// Send enqueues a message for the stdout writer. It never blocks the
// caller indefinitely longer than the channel capacity allows, matching the
// decoupled producer/consumer structure used throughout the worker.
func (w *Worker) Send(m protocol.Message) {
	w.out <- m
}

// writeLoop is the single buffered stdout writer: it flushes whenever the
// queue drains (for interactive responsiveness), whenever >= 64KiB are
// pending, or every ~2ms, whichever comes first.
func (w *Worker) writeLoop(dst io.Writer) {
	bw := bufio.NewWriterSize(dst, stdoutBufferBytes)
	pending := 0
	lastFlush := time.Now()
	ticker := time.NewTicker(stdoutFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case m, ok := <-w.out:
			if !ok {
				_ = bw.Flush()
				return
			}
			line := protocol.SerializeMessage(m)
			_, _ = bw.WriteString(line)
			pending += len(line)

			closed := false
			queueEmpty := false
		drain:
			for {
				select {
				case next, ok := <-w.out:
					if !ok {
						closed = true
						break drain
					}
					l := protocol.SerializeMessage(next)
					_, _ = bw.WriteString(l)
					pending += len(l)
				default:
					queueEmpty = true
					break drain
				}
			}

			if closed || queueEmpty || pending >= stdoutFlushSizeBytes || time.Since(lastFlush) >= stdoutFlushInterval {
				_ = bw.Flush()
				pending = 0
				lastFlush = time.Now()
			}
			if closed {
				return
			}
		case <-ticker.C:
			if pending > 0 {
				_ = bw.Flush()
				pending = 0
				lastFlush = time.Now()
			}
		}
	}
}

// Dispatch applies a single parsed message to worker state. Unknown
// messages are silently ignored (the worker is not itself a UI consumer
// of unrecognized types).
func (w *Worker) Dispatch(m protocol.Message) {
	switch m.Kind {
	case protocol.KindStartSession:
		w.handleStartSession(m.StartSession)
	case protocol.KindSendInput:
		w.handleSendInput(m.SendInput)
	case protocol.KindResize:
		w.handleResize(m.Resize)
	case protocol.KindStopSession:
		w.handleStopSession(m.StopSession)
	default:
		// Output/Exit/Error/Unknown are never sent to the worker; ignore.
	}
}

func (w *Worker) handleStartSession(m *protocol.StartSession) {
	if w.session != nil {
		w.Send(protocol.NewErrorFor(m.SessionID, "session already exists"))
		return
	}

	sessionID := m.SessionID
	session := New(sessionID,
		func(stream, chunk string) {
			w.Send(protocol.NewOutput(protocol.Output{SessionID: sessionID, Stream: stream, Chunk: chunk}))
		},
		func(exitCode int32) {
			w.Send(protocol.NewExit(protocol.Exit{SessionID: sessionID, ExitCode: exitCode}))
		},
	)

	if err := session.Spawn(SpawnConfig{
		SessionID: m.SessionID,
		Cmd:       m.Cmd,
		Cwd:       m.Cwd,
		Env:       m.Env,
		Cols:      m.Cols,
		Rows:      m.Rows,
	}); err != nil {
		w.Send(protocol.NewErrorFor(m.SessionID, err.Error()))
		return
	}

	w.session = session
}

func (w *Worker) handleSendInput(m *protocol.SendInput) {
	s, ok := w.activeSession(m.SessionID)
	if !ok {
		return
	}
	if err := s.Write(m.Text); err != nil {
		w.Send(protocol.NewErrorFor(m.SessionID, err.Error()))
	}
}

func (w *Worker) handleResize(m *protocol.Resize) {
	s, ok := w.activeSession(m.SessionID)
	if !ok {
		return
	}
	if err := s.Resize(m.Cols, m.Rows); err != nil {
		w.Send(protocol.NewErrorFor(m.SessionID, err.Error()))
	}
}

func (w *Worker) handleStopSession(m *protocol.StopSession) {
	s, ok := w.activeSession(m.SessionID)
	if !ok {
		return
	}
	if err := s.Stop(); err != nil {
		w.Send(protocol.NewErrorFor(m.SessionID, err.Error()))
	}
}

// activeSession validates that a session exists and the caller's
// session_id matches the one currently running, sending the matching
// lifecycle error and returning ok=false otherwise.
func (w *Worker) activeSession(sessionID string) (*Session, bool) {
	if w.session == nil {
		w.Send(protocol.NewErrorFor(sessionID, "session not started"))
		return nil, false
	}
	if w.session.sessionID != sessionID {
		w.Send(protocol.NewErrorFor(sessionID, "session_id mismatch"))
		return nil, false
	}
	return w.session, true
}

// Close shuts down the stdout writer goroutine after draining pending
// messages.
func (w *Worker) Close() {
	close(w.out)
}
