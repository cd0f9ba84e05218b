// Package workerproc implements the worker-side half of the nagomi wire
// protocol: a single PTY-backed child process, its output reader, exit
// watcher and producer-side coalescing flusher.
//
// One PTY per Session, following the NDJSON protocol's three-fiber
// model: a bounded shared byte buffer decoupling the PTY reader from the
// producer flusher, and a CAS-guarded exit_sent flag shared between the
// exit watcher and StopSession so exactly one Exit message is ever
// emitted regardless of which side observes the child's death first.
package workerproc

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

const (
	readBufferBytes       = 64 * 1024
	sharedBufferLimitBytes = 512 * 1024
	exitGracePeriod        = 250 * time.Millisecond

	flushMaxBytes = 32 * 1024
	flushMaxDelay = 8 * time.Millisecond

	stopWaitTimeout = 2 * time.Second
	stopPollInterval = 10 * time.Millisecond

	stdinFlushThreshold = 1024
)

// SpawnConfig configures the child process started inside a Session's PTY.
type SpawnConfig struct {
	SessionID string
	Cmd       string
	Cwd       string
	Env       map[string]string
	Cols      uint16
	Rows      uint16
}

// OutputFunc receives a coalesced chunk of child output from the producer
// flusher. It must not block.
type OutputFunc func(stream string, chunk string)

// ExitFunc receives the child's exit code exactly once per Session.
type ExitFunc func(exitCode int32)

// Session owns exactly one PTY-backed child process. The zero Session is
// invalid; use New.
type Session struct {
	sessionID string

	ptyFile *os.File
	cmd     *exec.Cmd

	inputMu     sync.Mutex
	inputWriter *bufio.Writer

	cols, rows uint16
	sizeMu     sync.Mutex

	onOutput OutputFunc
	onExit   ExitFunc

	exitSent atomic.Bool
	waitErr  error

	shared   sharedOutBuf
	sharedCv *sync.Cond

	readerDone chan struct{}
	flusherDone chan struct{}
	watcherDone chan struct{}
}

type sharedOutBuf struct {
	mu         sync.Mutex
	buf        []byte
	readerDone bool
}

// New creates a Session bound to sessionID. onOutput and onExit are called
// from internal goroutines and must be safe to call concurrently with the
// rest of the program; they must not block.
func New(sessionID string, onOutput OutputFunc, onExit ExitFunc) *Session {
	s := &Session{
		sessionID:   sessionID,
		onOutput:    onOutput,
		onExit:      onExit,
		readerDone:  make(chan struct{}),
		flusherDone: make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	s.sharedCv = sync.NewCond(&s.shared.mu)
	return s
}

// Spawn allocates a PTY sized (cfg.Cols, cfg.Rows), spawns the child
// described by cfg.Cmd (split with POSIX quoting), and starts the
// reader, flusher, and exit-watcher goroutines.
func (s *Session) Spawn(cfg SpawnConfig) error {
	argv, err := SplitCommand(cfg.Cmd)
	if err != nil {
		return err
	}
	program := argv[0]
	args := argv[1:]

	cmd := exec.Command(program, args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return err
	}

	s.ptyFile = ptmx
	s.cmd = cmd
	s.cols, s.rows = cfg.Cols, cfg.Rows
	s.inputWriter = bufio.NewWriterSize(ptmx, stdinFlushThreshold*4)

	go s.readLoop()
	go s.flushLoop()
	go s.watchExit()

	return nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// Write sends input bytes verbatim to the PTY, flushing only on a commit
// boundary (CR/LF) or once at least stdinFlushThreshold bytes have been
// written since the last flush — this keeps interactive latency low
// without forcing a syscall per keystroke under input storms.
func (s *Session) Write(text string) error {
	if s.ptyFile == nil {
		return errors.New("session not started")
	}
	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	if _, err := s.inputWriter.WriteString(text); err != nil {
		return err
	}
	if strings.ContainsAny(text, "\r\n") || s.inputWriter.Buffered() >= stdinFlushThreshold {
		return s.inputWriter.Flush()
	}
	return nil
}

// Resize changes the PTY's dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.sizeMu.Lock()
	s.cols, s.rows = cols, rows
	s.sizeMu.Unlock()
	if s.ptyFile == nil {
		return errors.New("session not started")
	}
	return pty.Setsize(s.ptyFile, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the session's current PTY dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.cols, s.rows
}

// ExitSent reports whether an Exit message has already been emitted for
// this session, by either the exit watcher or Stop.
func (s *Session) ExitSent() bool {
	return s.exitSent.Load()
}

// Stop kills the child and waits up to stopWaitTimeout for watchExit's
// cmd.Wait() to observe its death. If the exit watcher hasn't already
// emitted an Exit message, Stop emits one itself (via onExit) using the
// exit code watchExit observed; otherwise it suppresses a duplicate.
// Stop never calls cmd.Wait() itself — exec.Cmd.Wait is not safe to call
// concurrently from two goroutines, and watchExit already owns the one
// call for this Session's lifetime.
func (s *Session) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return errors.New("session not started")
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	select {
	case <-s.watcherDone:
	case <-time.After(stopWaitTimeout):
		return errors.New("timed out waiting for child to exit")
	}
	code := exitCodeFromWaitError(s.waitErr)

	if s.ptyFile != nil {
		_ = s.ptyFile.Close()
	}

	if !s.exitSent.Swap(true) {
		s.onExit(code)
	}
	return nil
}

func exitCodeFromWaitError(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	return -1
}

// readLoop reads raw bytes from the PTY into the shared bounded buffer. It
// never blocks the stdin dispatcher (it runs on its own goroutine) and
// allows a grace period of extra reads after the child has been observed
// to exit, so slow-draining ConPTY-style implementations don't lose the
// tail of output.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	buf := make([]byte, readBufferBytes)
	var exitSeenAt time.Time

	for {
		if s.exitSent.Load() && exitSeenAt.IsZero() {
			exitSeenAt = time.Now()
		}

		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			s.shared.mu.Lock()
			s.shared.buf = append(s.shared.buf, buf[:n]...)
			if over := len(s.shared.buf) - sharedBufferLimitBytes; over > 0 {
				s.shared.buf = append(s.shared.buf[:0], s.shared.buf[over:]...)
			}
			s.shared.mu.Unlock()
			s.sharedCv.Signal()
		}
		if err != nil {
			if n == 0 {
				if !exitSeenAt.IsZero() && time.Since(exitSeenAt) >= exitGracePeriod {
					break
				}
				if err == io.EOF {
					// EOF with no exit observed yet: child hasn't been reaped,
					// keep yielding briefly rather than busy-looping.
					if exitSeenAt.IsZero() {
						time.Sleep(time.Millisecond)
						continue
					}
				}
			}
			break
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	s.shared.mu.Lock()
	s.shared.readerDone = true
	s.shared.mu.Unlock()
	s.sharedCv.Signal()
}

// flushLoop drains the shared buffer under the producer coalescing rule:
// flush when >= flushMaxBytes are pending, or flushMaxDelay has elapsed
// since the last flush, or the reader has finished.
func (s *Session) flushLoop() {
	defer close(s.flusherDone)

	lastSend := time.Now()
	for {
		s.shared.mu.Lock()
		for len(s.shared.buf) == 0 && !s.shared.readerDone {
			waitWithTimeout(s.sharedCv, &s.shared.mu, flushMaxDelay)
			if len(s.shared.buf) > 0 || s.shared.readerDone {
				break
			}
		}

		if len(s.shared.buf) == 0 && s.shared.readerDone {
			s.shared.mu.Unlock()
			return
		}

		shouldFlush := len(s.shared.buf) >= flushMaxBytes ||
			time.Since(lastSend) >= flushMaxDelay ||
			s.shared.readerDone
		if !shouldFlush {
			remaining := flushMaxDelay - time.Since(lastSend)
			s.shared.mu.Unlock()
			if remaining > 0 {
				time.Sleep(remaining)
			}
			continue
		}

		var drained []byte
		if len(s.shared.buf) > flushMaxBytes {
			drained = append(drained, s.shared.buf[:flushMaxBytes]...)
			s.shared.buf = append(s.shared.buf[:0], s.shared.buf[flushMaxBytes:]...)
		} else {
			drained = s.shared.buf
			s.shared.buf = nil
		}
		readerDone := s.shared.readerDone
		s.shared.mu.Unlock()

		if len(drained) > 0 {
			lastSend = time.Now()
			s.onOutput("stdout", strings.ToValidUTF8(string(drained), "�"))
		}
		if readerDone && len(drained) == 0 {
			return
		}
	}
}

// waitWithTimeout wraps sync.Cond.Wait with a timeout by releasing the lock,
// waiting on a signal channel fed by a timer goroutine, then reacquiring.
// sync.Cond has no native timeout, and this is the narrow seam where we need
// one (the flusher must wake on its own deadline even without new data).
func waitWithTimeout(cv *sync.Cond, mu *sync.Mutex, timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		mu.Lock()
		close(done)
		mu.Unlock()
		cv.Broadcast()
	})
	cv.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// watchExit owns the Session's single cmd.Wait() call; Stop never calls
// it directly so two goroutines never reap the same child concurrently.
// The result is published to s.waitErr before watcherDone is closed, so
// any goroutine that has observed the close can read it without a race.
// The first goroutine to observe completion (this one, or Stop) wins the
// exitSent CAS and is the only one to emit an Exit message. Go's os/exec
// has no non-blocking try_wait, so this waits once in its own goroutine
// rather than polling — cmd.Wait() already blocks until the child is
// reaped, so a poll loop around it would only add latency.
func (s *Session) watchExit() {
	s.waitErr = s.cmd.Wait()
	close(s.watcherDone)

	if s.exitSent.Swap(true) {
		return
	}
	s.onExit(exitCodeFromWaitError(s.waitErr))
}
