// Package registry tracks the orchestrator's active terminal sessions: the
// set of session ids, their UI surface labels, and the supervisor handle
// backing each one.
//
// A single mutex guards all state; no I/O happens while it's held —
// spawning, sending, and stopping all go through the Supervisor
// interface so the lock is held only for map bookkeeping.
package registry

import (
	"fmt"
	"sync"

	"github.com/kitfactory/nagomi/internal/protocol"
	"github.com/kitfactory/nagomi/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the registry depends
// on, so tests can substitute a fake without spawning real processes.
type Supervisor interface {
	SendStartSession(protocol.StartSession) error
	SendInput(protocol.SendInput) error
	SendResize(protocol.Resize) error
	SendStopSession(protocol.StopSession) error
	Messages() <-chan protocol.Message
	Stop() error
}

// SpawnFunc creates a new Supervisor for a session. Production code passes
// a function that calls supervisor.Spawn with a resolved worker path.
type SpawnFunc func() (Supervisor, error)

// OnDrainedFunc is invoked when the registry transitions to zero active
// sessions while ExitOnLastTerminal is set, so the caller can terminate
// the orchestrator process.
type OnDrainedFunc func()

type entry struct {
	label      string
	supervisor Supervisor
}

// Registry is the orchestrator's single source of truth for which
// terminal sessions are active.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	labels   map[string]string // ui_surface_label -> session_id, reverse index

	spawn SpawnFunc

	// ExitOnLastTerminal, when true, invokes OnDrained once the active set
	// becomes empty after having been non-empty.
	ExitOnLastTerminal bool
	OnDrained          OnDrainedFunc

	// OnMessages, if set, is called once per newly registered session with
	// the session id and its supervisor's message channel, so a caller can
	// bind it to a coalescer without the registry importing that package.
	OnMessages func(sessionID string, messages <-chan protocol.Message)
}

// New builds an empty Registry. spawn is used to create a Supervisor for
// each new session.
func New(spawn SpawnFunc) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		labels:   make(map[string]string),
		spawn:    spawn,
	}
}

// ErrNotStarted is returned by session-scoped commands when session_id is
// not in the active set.
type ErrNotStarted struct {
	SessionID string
}

func (e *ErrNotStarted) Error() string {
	return "terminal session not started"
}

// StartTerminalSession spawns a supervisor and registers session_id if it
// is not already active; if it is, this is a no-op.
func (r *Registry) StartTerminalSession(sessionID string, cols, rows uint16) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sup, err := r.spawn()
	if err != nil {
		return fmt.Errorf("spawn supervisor for session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; ok {
		// Lost a race with a concurrent start for the same id: keep the
		// existing supervisor, discard ours.
		r.mu.Unlock()
		_ = sup.Stop()
		return nil
	}
	r.sessions[sessionID] = &entry{label: sessionID, supervisor: sup}
	r.labels[sessionID] = sessionID
	onMessages := r.OnMessages
	r.mu.Unlock()

	if onMessages != nil {
		onMessages(sessionID, sup.Messages())
	}

	return sup.SendStartSession(protocol.StartSession{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// TerminalSendInput forwards text to the session's supervisor.
func (r *Registry) TerminalSendInput(sessionID, text string) error {
	sup, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	return sup.SendInput(protocol.SendInput{SessionID: sessionID, Text: text})
}

// TerminalResize forwards a resize to the session's supervisor.
func (r *Registry) TerminalResize(sessionID string, cols, rows uint16) error {
	sup, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	return sup.SendResize(protocol.Resize{SessionID: sessionID, Cols: cols, Rows: rows})
}

// StopTerminalSession removes session_id from the active set, sends
// stop_session, and kills the supervisor. A mismatched session_id is a
// no-op.
func (r *Registry) StopTerminalSession(sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, sessionID)
	delete(r.labels, e.label)
	drained := len(r.sessions) == 0
	exitOnLast := r.ExitOnLastTerminal
	onDrained := r.OnDrained
	r.mu.Unlock()

	sendErr := e.supervisor.SendStopSession(protocol.StopSession{SessionID: sessionID})
	stopErr := e.supervisor.Stop()

	if drained && exitOnLast && onDrained != nil {
		onDrained()
	}

	if sendErr != nil {
		return sendErr
	}
	return stopErr
}

// IsActive reports whether session_id is currently registered.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// ActiveCount reports the number of active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LabelTaken reports whether label is already bound to a registered
// session, used by the control surface's /open-terminal collision check.
func (r *Registry) LabelTaken(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.labels[label]
	return ok
}

func (r *Registry) lookup(sessionID string) (Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, &ErrNotStarted{SessionID: sessionID}
	}
	return e.supervisor, nil
}
