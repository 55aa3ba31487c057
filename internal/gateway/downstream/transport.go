// Package downstream implements the client-facing message channel:
// rate limiting, sanitization, validation, last-activity tracking, and
// ordered delivery of outbound events.
//
// Grounded on internal/deepr/session_manager.go's client-connection
// bookkeeping, generalized from "many clients per backend session" to
// this gateway's "one client connection per session" shape, since a
// CATI voice session is inherently single-client.
package downstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Acsight/voiceter-gateway/internal/logger"
)

var (
	chunksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiceter_gateway",
		Name:      "audio_chunks_sent_total",
		Help:      "Outbound audio chunks delivered to clients.",
	}, []string{"session_id"})

	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiceter_gateway",
		Name:      "rate_limit_drops_total",
		Help:      "Inbound client events dropped for exceeding the rate limit.",
	}, []string{"session_id"})

	toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voiceter_gateway",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool dispatch duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})
)

// Metrics registers the downstream transport's prometheus collectors
// against reg. Call once at startup.
func Metrics(reg prometheus.Registerer) {
	reg.MustRegister(chunksSent, rateLimitDrops, toolCallDuration)
}

// RecordToolCallDuration observes one tool call's wall-clock duration.
func RecordToolCallDuration(tool string, d time.Duration) {
	toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Conn wraps one client-facing websocket connection for a single
// session. Writes are serialized via writeMu, matching the teacher's
// backendWriteMu discipline for a single underlying socket.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	writeMu   sync.Mutex
	limiter   *Limiter
	logger    *logger.Logger

	mu             sync.Mutex
	lastActivityAt time.Time
}

// NewConn wraps an accepted websocket connection for sessionID.
func NewConn(sessionID string, ws *websocket.Conn, limiter *Limiter, log *logger.Logger) *Conn {
	return &Conn{
		sessionID:      sessionID,
		ws:             ws,
		limiter:        limiter,
		logger:         log.WithComponent("downstream"),
		lastActivityAt: time.Now(),
	}
}

// LastActivity returns the last time an inbound event was accepted.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.mu.Unlock()
}

// Inbound is one accepted, sanitized, validated client event ready for
// the Orchestrator.
type Inbound struct {
	Event     InboundEventName
	SessionID string
	Data      json.RawMessage
	Flagged   bool // true if sanitization stripped an injection signature
}

// ReadLoop reads frames from the client connection, applying rate
// limiting, sanitization and validation in order (spec §4.7 steps
// 1-4), and passes each accepted event to onEvent. Rate-limited events
// go to onRateLimited and rejected frames to onInvalid. ReadLoop
// returns when reading from the socket fails (including on close).
func (c *Conn) ReadLoop(onEvent func(Inbound), onRateLimited func(retryAfter time.Duration), onInvalid func(err error)) {
	logCtx := logger.WithSessionID(context.Background(), c.sessionID)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithContext(logCtx).Warn("client socket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		now := time.Now()
		allowed, retryAfter := c.limiter.Allow(c.sessionID, now)
		if !allowed {
			rateLimitDrops.WithLabelValues(c.sessionID).Inc()
			onRateLimited(retryAfter)
			continue
		}

		env, err := ParseEnvelope(raw)
		if err != nil {
			onInvalid(err)
			continue
		}

		data := env.Data
		flagged := false
		if env.Event != string(EventAudioChunk) {
			// Audio payloads are opaque and exempt from sanitization;
			// every other string field passes through Sanitize.
			var sanitized string
			sanitized, flagged = Sanitize(string(data))
			if flagged {
				c.logger.WithContext(logCtx).Warn("injection signature detected", slog.String("event", env.Event))
			}
			data = json.RawMessage(sanitized)
		}

		c.touch(now)
		onEvent(Inbound{Event: InboundEventName(env.Event), SessionID: c.sessionID, Data: data, Flagged: flagged})
	}
}

// Send delivers one outbound envelope to the client, serializing writes.
func (c *Conn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.Event == string(OutAudioChunk) {
		chunksSent.WithLabelValues(c.sessionID).Inc()
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
