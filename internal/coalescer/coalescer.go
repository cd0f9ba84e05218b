// Package coalescer implements the orchestrator's consumer-side output
// coalescing fiber: it drains a supervisor's parsed message channel and
// batches Output chunks per (session_id, stream) before delivering them to
// a UI surface, trading a small amount of latency for far fewer, larger
// writes under bursty output. One Coalescer instance is fed by many
// supervisors' channels, one goroutine per bound session, keyed by
// (session_id, stream).
package coalescer

import (
	"sync"
	"time"

	"github.com/kitfactory/nagomi/internal/protocol"
)

const (
	busyThresholdBytes = 256 * 1024

	flushDelayNormal = 16 * time.Millisecond
	flushBytesNormal = 64 * 1024

	flushDelayBusy = 32 * time.Millisecond
	flushBytesBusy = 128 * 1024

	maxWaitTimeout = 200 * time.Millisecond
)

type key struct {
	sessionID string
	stream    string
}

type pendingOutput struct {
	queuedAt time.Time
	bytes    int
	chunks   []string
}

// Sink receives coalesced output and bypass events. Implementations must
// not block the caller for long, since they are invoked from the
// coalescer's single flush goroutine.
type Sink interface {
	// Deliver is called once per flushed (session_id, stream) batch, for
	// sessions with a known UI surface label.
	Deliver(sessionID, stream, chunk string)

	// Broadcast is called for every flushed batch, labeled or not, when
	// broadcast is enabled; it is the feed behind the local debug
	// /events endpoint.
	Broadcast(sessionID, stream, chunk string)

	// ExitOrError is called immediately (bypassing coalescing) for Exit
	// and Error messages.
	ExitOrError(msg protocol.Message)
}

// LabelLookup reports whether a session currently has a bound UI surface
// label; unlabeled sessions are still flushed (for Broadcast) but not
// delivered.
type LabelLookup func(sessionID string) (labeled bool)

// Coalescer batches Output messages from any number of registered
// sessions and flushes them to a Sink on adaptive timers.
type Coalescer struct {
	sink             Sink
	hasLabel         LabelLookup
	broadcastEnabled bool

	mu      sync.Mutex
	pending map[key]*pendingOutput

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Coalescer. hasLabel may be nil, in which case every session
// is treated as labeled.
func New(sink Sink, hasLabel LabelLookup, broadcastEnabled bool) *Coalescer {
	return &Coalescer{
		sink:             sink,
		hasLabel:         hasLabel,
		broadcastEnabled: broadcastEnabled,
		pending:          make(map[key]*pendingOutput),
		stopCh:           make(chan struct{}),
	}
}

// Bind starts draining messages for one session's supervisor channel. It
// runs until the channel closes or the coalescer is stopped.
func (c *Coalescer) Bind(sessionID string, messages <-chan protocol.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(sessionID, messages)
	}()
}

// Stop halts all bound drain loops and waits for them to exit. Before
// exiting, each loop handles the messages already buffered in its channel
// and flushes its session's pending output.
func (c *Coalescer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coalescer) drain(sessionID string, messages <-chan protocol.Message) {
	for {
		timeout := c.nextTimeout()
		timer := time.NewTimer(timeout)

		select {
		case <-c.stopCh:
			timer.Stop()
		buffered:
			for {
				select {
				case msg, ok := <-messages:
					if !ok {
						break buffered
					}
					c.handle(sessionID, msg)
				default:
					break buffered
				}
			}
			c.flushAllForSession(sessionID)
			return
		case msg, ok := <-messages:
			timer.Stop()
			if !ok {
				c.flushAllForSession(sessionID)
				return
			}
			c.handle(sessionID, msg)
		case <-timer.C:
		}

		c.flushDue()
	}
}

func (c *Coalescer) handle(sessionID string, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindOutput:
		c.enqueue(sessionID, msg.Output.Stream, msg.Output.Chunk)
	case protocol.KindExit, protocol.KindError:
		c.flushAllForSession(sessionID)
		c.sink.ExitOrError(msg)
	}
}

func (c *Coalescer) enqueue(sessionID, stream, chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{sessionID: sessionID, stream: stream}
	entry, ok := c.pending[k]
	if !ok {
		entry = &pendingOutput{queuedAt: time.Now()}
		c.pending[k] = entry
	}
	entry.bytes += len(chunk)
	entry.chunks = append(entry.chunks, chunk)
}

// nextTimeout computes the regime-appropriate flush delay and returns the
// minimum time until any pending key's deadline, capped at 200ms. With
// nothing pending it returns the cap so the loop still wakes periodically.
func (c *Coalescer) nextTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, flushDelay := c.regimeLocked()

	now := time.Now()
	var nextDeadline time.Time
	for _, entry := range c.pending {
		deadline := entry.queuedAt.Add(flushDelay)
		if nextDeadline.IsZero() || deadline.Before(nextDeadline) {
			nextDeadline = deadline
		}
	}
	if nextDeadline.IsZero() {
		return maxWaitTimeout
	}
	remaining := nextDeadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > maxWaitTimeout {
		remaining = maxWaitTimeout
	}
	return remaining
}

// regimeLocked returns (flushBytes, flushDelay) for the current total
// pending size. Caller must hold c.mu.
func (c *Coalescer) regimeLocked() (int, time.Duration) {
	total := 0
	for _, entry := range c.pending {
		total += entry.bytes
	}
	if total > busyThresholdBytes {
		return flushBytesBusy, flushDelayBusy
	}
	return flushBytesNormal, flushDelayNormal
}

func (c *Coalescer) flushDue() {
	now := time.Now()

	c.mu.Lock()
	flushBytes, flushDelay := c.regimeLocked()
	var due []key
	for k, entry := range c.pending {
		if entry.bytes >= flushBytes || now.Sub(entry.queuedAt) >= flushDelay {
			due = append(due, k)
		}
	}
	batches := make(map[key]string, len(due))
	for _, k := range due {
		entry := c.pending[k]
		delete(c.pending, k)
		if len(entry.chunks) == 0 {
			continue
		}
		batches[k] = joinChunks(entry.chunks)
	}
	c.mu.Unlock()

	for k, chunk := range batches {
		c.deliver(k.sessionID, k.stream, chunk)
	}
}

func (c *Coalescer) flushAllForSession(sessionID string) {
	c.mu.Lock()
	var keys []key
	for k := range c.pending {
		if k.sessionID == sessionID {
			keys = append(keys, k)
		}
	}
	batches := make(map[key]string, len(keys))
	for _, k := range keys {
		entry := c.pending[k]
		delete(c.pending, k)
		if len(entry.chunks) == 0 {
			continue
		}
		batches[k] = joinChunks(entry.chunks)
	}
	c.mu.Unlock()

	for k, chunk := range batches {
		c.deliver(k.sessionID, k.stream, chunk)
	}
}

func (c *Coalescer) deliver(sessionID, stream, chunk string) {
	labeled := true
	if c.hasLabel != nil {
		labeled = c.hasLabel(sessionID)
	}
	if labeled {
		c.sink.Deliver(sessionID, stream, chunk)
	}
	if c.broadcastEnabled {
		c.sink.Broadcast(sessionID, stream, chunk)
	}
}

func joinChunks(chunks []string) string {
	if len(chunks) == 1 {
		return chunks[0]
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}
