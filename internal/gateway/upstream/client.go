package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Acsight/voiceter-gateway/internal/gateway/errcode"
	"github.com/Acsight/voiceter-gateway/internal/gateway/framer"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// EventKind names the events the Upstream Client publishes to its
// owning Orchestrator (spec §4.2's "Published events" list).
type EventKind string

const (
	EventSetupComplete    EventKind = "setup-complete"
	EventAudioOutput      EventKind = "audio-output"
	EventInputTranscript  EventKind = "input-transcription"
	EventOutputTranscript EventKind = "output-transcription"
	EventToolCall         EventKind = "tool-call"
	EventToolCancellation EventKind = "tool-call-cancellation"
	EventInterrupted      EventKind = "interrupted"
	EventTurnComplete     EventKind = "turn-complete"
	EventGoAway           EventKind = "go-away"
	EventError            EventKind = "error"
	EventStateChange      EventKind = "state-change"
)

// Event is the typed envelope delivered on the client's event channel
// (Design Note: event-emitter -> typed channels).
type Event struct {
	Kind                EventKind
	UpstreamSessionID    string
	AudioPayload         []byte
	OutputSeq            uint64
	Text                 string
	ToolCalls            []framer.FunctionCall
	CancelledCallIDs     []string
	GoAwayGraceMs        int64
	State                State
	Code                 errcode.Code
	Recoverable          bool
	Err                  error
}

// Dialer abstracts websocket.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configure one Client.
type Options struct {
	Endpoint          url.URL
	Model             string
	SystemInstruction string
	VAD               framer.VADConfig
	FunctionDecls     []framer.FunctionDecl
	MaxRetries        int
	BaseDelay         time.Duration
	HandshakeTimeout  time.Duration
}

// Client owns one session's duplex connection to the speech model
// endpoint. Grounded on internal/streaming/session.go's background
// reader/stop-context shape and internal/deepr/service.go's dial +
// reconnect loop.
type Client struct {
	sessionID string
	opts      Options
	voiceName string
	authz     func(ctx context.Context) (string, error)
	dialer    Dialer
	logger    *logger.Logger

	conn *Connection

	wsMu sync.Mutex
	ws   *websocket.Conn

	events chan Event

	stopMu     sync.Mutex
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopped    bool
}

// NewClient constructs a Client for one session. authz supplies the
// bearer header value at connect time (from the Token Provider).
func NewClient(sessionID string, opts Options, voiceName string, authz func(ctx context.Context) (string, error), dialer Dialer, log *logger.Logger) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		sessionID:  sessionID,
		opts:       opts,
		voiceName:  voiceName,
		authz:      authz,
		dialer:     dialer,
		logger:     log.WithComponent("upstream-client"),
		conn:       NewConnection(),
		events:     make(chan Event, 256),
		stopCtx:    ctx,
		stopCancel: cancel,
	}
}

// Events returns the read-only event channel. Closed once the client
// is fully stopped (no further reconnects will occur).
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the connection's current state.
func (c *Client) State() State {
	return c.conn.State()
}

// Connect dials the endpoint and runs the connect-handshake-read loop
// in the background, reconnecting per the backoff policy until
// MaxRetries is exhausted or Stop is called.
func (c *Client) Connect(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.events)
	for {
		if c.isStopped() {
			return
		}
		err := c.connectOnce(ctx)
		if err == nil {
			return // closed cleanly (Stop called, or peer sent normal close)
		}

		code := classify(err)
		recoverable := errcode.Recoverable(code)
		attempt := c.conn.IncrementRetry()

		if code == errcode.GoAway {
			// goAway reconnects regardless of attempt budget for that signal.
			c.emit(Event{Kind: EventGoAway, Code: code})
			c.sleepBackoff(1)
			continue
		}

		c.emit(Event{Kind: EventError, Code: code, Recoverable: recoverable, Err: err})

		if !recoverable || attempt > c.opts.MaxRetries {
			c.conn.SetState(StateError)
			c.emit(Event{Kind: EventError, Code: errcode.ReconnectionExhausted, Recoverable: false, Err: err})
			return
		}

		c.conn.SetState(StateReconnecting)
		c.emit(Event{Kind: EventStateChange, State: StateReconnecting})
		c.sleepBackoff(attempt)
	}
}

func (c *Client) sleepBackoff(attempt int) {
	delay := BackoffDelay(c.opts.BaseDelay, attempt)
	select {
	case <-time.After(delay):
	case <-c.stopCtx.Done():
	}
}

// connectOnce performs one dial-setup-read cycle. Returns nil only on
// a clean, intentional close (Stop called or the peer sent a normal
// close code); any other outcome is an error for run() to classify.
func (c *Client) connectOnce(ctx context.Context) error {
	c.conn.SetState(StateConnecting)
	c.emit(Event{Kind: EventStateChange, State: StateConnecting})

	header := http.Header{}
	if c.authz != nil {
		authHeader, err := c.authz(ctx)
		if err != nil {
			return err
		}
		header.Set("Authorization", authHeader)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.opts.Endpoint.String(), header)
	if err != nil {
		return err
	}

	c.wsMu.Lock()
	c.ws = conn
	c.wsMu.Unlock()

	c.conn.SetState(StateConnected)
	c.conn.ResetRetry()
	c.emit(Event{Kind: EventStateChange, State: StateConnected})

	setup := framer.BuildSetupFrame(c.opts.Model, c.voiceName, c.opts.SystemInstruction, c.opts.VAD, c.opts.FunctionDecls)
	raw, err := framer.Marshal(setup)
	if err != nil {
		return err
	}
	if err := c.writeRaw(raw); err != nil {
		return err
	}

	return c.readLoop()
}

// writeRaw serializes a write against concurrent audio sends.
func (c *Client) writeRaw(data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return errClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendAudio assigns an input sequence to payload and sends it
// immediately if ready, or queues it until the connection reaches
// ready (spec §4.2 ordering/buffering).
func (c *Client) SendAudio(payload []byte) (seq uint64, err error) {
	seq, ready := c.conn.EnqueueOrAssignInput(payload)
	if !ready {
		return seq, nil
	}
	frame := framer.BuildAudioChunkFrame(payload)
	raw, merr := framer.Marshal(frame)
	if merr != nil {
		return seq, merr
	}
	return seq, c.writeRaw(raw)
}

// SendToolResponse sends one or more function responses upstream.
func (c *Client) SendToolResponse(responses ...framer.FunctionResponse) error {
	frame := framer.BuildToolResponseFrame(responses...)
	raw, err := framer.Marshal(frame)
	if err != nil {
		return err
	}
	return c.writeRaw(raw)
}

// SendTextTurn sends the synthetic "start speaking" kickoff turn once
// the connection is ready (spec §4.8 step 7).
func (c *Client) SendTextTurn(role, text string) error {
	frame := framer.BuildTextTurnFrame(role, text)
	raw, err := framer.Marshal(frame)
	if err != nil {
		return err
	}
	return c.writeRaw(raw)
}

func (c *Client) flushPending() {
	for _, payload := range c.conn.FlushPending() {
		frame := framer.BuildAudioChunkFrame(payload)
		raw, err := framer.Marshal(frame)
		if err != nil {
			continue
		}
		_ = c.writeRaw(raw)
	}
}

func (c *Client) readLoop() error {
	for {
		if c.isStopped() {
			return nil
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return &closeError{code: ce.Code, err: err}
			}
			return err
		}

		ev, perr := framer.ParseServerEvent(raw)
		if perr != nil {
			c.emit(Event{Kind: EventError, Code: errcode.InvalidMessage, Recoverable: false, Err: perr})
			continue
		}

		switch {
		case ev.SetupComplete != nil:
			c.conn.SetState(StateReady)
			c.emit(Event{Kind: EventStateChange, State: StateReady})
			c.emit(Event{Kind: EventSetupComplete, UpstreamSessionID: ev.SetupComplete.SessionID})
			c.flushPending()

		case ev.ServerContent != nil:
			sc := ev.ServerContent
			if sc.ModelTurn != nil {
				for _, part := range sc.ModelTurn.Parts {
					seq := c.conn.NextOutputSeq(part.InlineData.Data)
					c.emit(Event{Kind: EventAudioOutput, AudioPayload: part.InlineData.Data, OutputSeq: seq})
				}
			}
			if sc.InputTranscription != nil {
				c.emit(Event{Kind: EventInputTranscript, Text: sc.InputTranscription.Text})
			}
			if sc.OutputTranscription != nil {
				c.emit(Event{Kind: EventOutputTranscript, Text: sc.OutputTranscription.Text})
			}
			if sc.Interrupted {
				c.conn.ClearPendingOutput()
				c.emit(Event{Kind: EventInterrupted})
			}
			if sc.TurnComplete {
				c.conn.ClearPendingOutput()
				c.emit(Event{Kind: EventTurnComplete})
			}

		case ev.ToolCall != nil:
			c.emit(Event{Kind: EventToolCall, ToolCalls: ev.ToolCall.FunctionCalls})

		case ev.ToolCallCancellation != nil:
			c.emit(Event{Kind: EventToolCancellation, CancelledCallIDs: ev.ToolCallCancellation.IDs})

		case ev.GoAway != nil:
			return &goAwayError{graceMs: ev.GoAway.TimeLeftMs}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stopCtx.Done():
	}
}

func (c *Client) isStopped() bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	return c.stopped
}

// Stop closes the connection and prevents further reconnects. Safe to
// call multiple times.
func (c *Client) Stop() {
	c.stopMu.Lock()
	if c.stopped {
		c.stopMu.Unlock()
		return
	}
	c.stopped = true
	c.stopMu.Unlock()

	c.stopCancel()
	c.conn.SetState(StateClosed)

	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
	}
	c.wsMu.Unlock()
}

// NewSessionCallID returns a fresh opaque id for correlating an
// upstream-issued tool call, using the same id scheme as session ids.
func NewSessionCallID() string {
	return uuid.New().String()
}

type closeError struct {
	code int
	err  error
}

func (e *closeError) Error() string { return e.err.Error() }

type goAwayError struct{ graceMs int64 }

func (e *goAwayError) Error() string { return "upstream sent goAway" }

var errClosed = &dialError{"connection is closed"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

func classify(err error) errcode.Code {
	if _, ok := err.(*goAwayError); ok {
		return errcode.GoAway
	}
	if ce, ok := err.(*closeError); ok {
		return errcode.FromCloseCode(ce.code)
	}
	return errcode.FromText(err.Error())
}

// logState is a small helper kept for parity with the teacher's habit
// of logging every state transition at debug level.
func (c *Client) logState(state State) {
	ctx := logger.WithSessionID(context.Background(), c.sessionID)
	c.logger.WithContext(ctx).Debug("upstream state change", slog.String("state", string(state)))
}
