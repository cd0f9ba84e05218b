// Package supervisor runs and multiplexes one nagomi-worker child process
// per terminal session, from the orchestrator's side of the wire protocol.
//
// One supervisor per PTY session keeps each worker's own single-session
// constraint intact at a finer grain: stdin writes are mutex-serialized
// and stdout lines are parsed and fanned out over a channel so multiple
// PTYs can coexist at the orchestrator layer.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	ps "github.com/mitchellh/go-ps"

	"github.com/kitfactory/nagomi/internal/protocol"
)

// Supervisor owns one spawned nagomi-worker process and serializes writes
// to its stdin while fanning parsed stdout lines out over a channel.
type Supervisor struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdinMu sync.Mutex

	messages chan protocol.Message
}

// Spawn starts the worker binary at workerPath with piped stdin/stdout and
// inherited stderr, and begins the reader goroutine that turns its stdout
// lines into protocol.Message values delivered on Messages().
func Spawn(workerPath string) (*Supervisor, error) {
	cmd := exec.Command(workerPath)
	suppressConsoleWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	s := &Supervisor{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan protocol.Message, 64),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *Supervisor) readLoop(stdout io.Reader) {
	defer close(s.messages)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.messages <- protocol.ParseLine(line)
	}
}

// Messages returns the channel of parsed worker stdout messages. It is
// closed when the worker's stdout is closed (process exited or pipe
// broken).
func (s *Supervisor) Messages() <-chan protocol.Message {
	return s.messages
}

// Send serializes and writes a message to the worker's stdin, under a
// mutex so concurrent callers never interleave partial lines.
func (s *Supervisor) Send(m protocol.Message) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	_, err := io.WriteString(s.stdin, protocol.SerializeMessage(m))
	return err
}

func (s *Supervisor) SendStartSession(m protocol.StartSession) error {
	return s.Send(protocol.NewStartSession(m))
}

func (s *Supervisor) SendInput(m protocol.SendInput) error {
	return s.Send(protocol.NewSendInput(m))
}

func (s *Supervisor) SendResize(m protocol.Resize) error {
	return s.Send(protocol.NewResize(m))
}

func (s *Supervisor) SendStopSession(m protocol.StopSession) error {
	return s.Send(protocol.NewStopSession(m))
}

// Stop kills the worker process and reaps it. Before Stop returns, the
// worker PID is double-checked via go-ps so a lingering zombie on
// platforms where Wait didn't fully reap is surfaced as an error rather
// than silently assumed dead.
func (s *Supervisor) Stop() error {
	if s.cmd.Process == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()

	if proc, err := ps.FindProcess(pid); err == nil && proc != nil {
		return fmt.Errorf("worker pid %d still alive after stop", pid)
	}
	return nil
}
