// Package upstream implements the duplex streaming connection to the
// speech model endpoint: setup handshake, audio ingest, event parsing,
// reconnection with backoff, and the close-code/error taxonomy.
package upstream

import (
	"sync"
	"time"
)

// State is the connection-state machine defined by the protocol
// contract with the model endpoint.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// audioChunk is a single outbound PCM chunk queued before the
// connection is ready, or an inbound chunk tracked in the pending
// output buffer.
type audioChunk struct {
	seq     uint64
	payload []byte
}

// Connection holds the per-session mutable state of one upstream
// duplex connection: retry count, queues, and sequence counters.
// Exactly one Connection exists per active Session.
type Connection struct {
	mu sync.Mutex

	state      State
	retryCount int

	inputSeq  uint64 // next input sequence number to assign
	outputSeq uint64 // last output sequence number assigned (monotonic)

	pendingAudio  []audioChunk // queued outbound chunks until ready
	pendingOutput []audioChunk // inbound chunks not yet cleared by interrupt/turnComplete
}

// NewConnection returns a fresh, disconnected connection.
func NewConnection() *Connection {
	return &Connection{state: StateDisconnected}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection's recorded state. The caller is
// responsible for only calling this on valid transitions; Connection
// itself does not reject invalid ones; the Upstream Client enforces the
// state diagram.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// RetryCount returns the number of reconnect attempts made so far.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IncrementRetry bumps the retry counter and returns the new value.
func (c *Connection) IncrementRetry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	return c.retryCount
}

// ResetRetry zeroes the retry counter, called on a successful
// reconnect or fresh connect.
func (c *Connection) ResetRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount = 0
}

// EnqueueOrAssignInput assigns the next input sequence number to an
// outbound audio payload. If the connection is not ready, the chunk is
// queued in the pending-audio queue instead of being returned for
// immediate send.
func (c *Connection) EnqueueOrAssignInput(payload []byte) (seq uint64, readyToSend bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq = c.inputSeq
	c.inputSeq++
	if c.state != StateReady {
		c.pendingAudio = append(c.pendingAudio, audioChunk{seq: seq, payload: payload})
		return seq, false
	}
	return seq, true
}

// FlushPending drains the pending-audio queue in assigned order. Called
// once the connection transitions to ready.
func (c *Connection) FlushPending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.pendingAudio))
	for i, ch := range c.pendingAudio {
		out[i] = ch.payload
	}
	c.pendingAudio = nil
	return out
}

// NextOutputSeq assigns the next monotonic output sequence number to an
// inbound audio chunk from the model, tracking it in the pending-output
// buffer (invariant 2: strictly monotonic, never repeated).
func (c *Connection) NextOutputSeq(payload []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputSeq++
	seq := c.outputSeq
	c.pendingOutput = append(c.pendingOutput, audioChunk{seq: seq, payload: payload})
	return seq
}

// ClearPendingOutput drops the pending-output buffer. Called on
// `interrupted` or `turnComplete` (spec invariant 9: interruption
// idempotence — safe to call regardless of prior state).
func (c *Connection) ClearPendingOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingOutput = nil
}

// PendingOutputLen reports the current pending-output buffer depth,
// used by tests asserting invariant 9.
func (c *Connection) PendingOutputLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingOutput)
}

// BackoffDelay computes the exponential reconnect delay for a given
// attempt (1-indexed): base * 2^(attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
