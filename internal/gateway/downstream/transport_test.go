package downstream

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Acsight/voiceter-gateway/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// dialedConn starts a local websocket server that only accepts the
// upgrade, dials it,
// returning both ends so Conn (the server side) can be exercised under
// ReadLoop against a real client socket.
func dialedConn(t *testing.T) (*Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- ws
	}))

	wsURL, _ := url.Parse(server.URL)
	wsURL.Scheme = "ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	serverSide := <-connCh
	limiter := NewLimiter(1000)
	conn := NewConn("sess-1", serverSide, limiter, testLogger())

	cleanup := func() {
		client.Close()
		conn.Close()
		server.Close()
	}
	return conn, client, cleanup
}

func TestReadLoopDeliversValidEvent(t *testing.T) {
	conn, client, cleanup := dialedConn(t)
	defer cleanup()

	received := make(chan Inbound, 1)
	go conn.ReadLoop(
		func(in Inbound) { received <- in },
		func(time.Duration) {},
		func(error) {},
	)

	msg := `{"event":"text:message","sessionId":"sess-1","timestamp":"2026-01-01T00:00:00Z","data":{"text":"hello"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case in := <-received:
		if in.Event != EventTextMessage {
			t.Errorf("unexpected event name: %q", in.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestReadLoopRejectsMalformedEnvelope(t *testing.T) {
	conn, client, cleanup := dialedConn(t)
	defer cleanup()

	invalid := make(chan error, 1)
	go conn.ReadLoop(
		func(Inbound) {},
		func(time.Duration) {},
		func(err error) { invalid <- err },
	)

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case err := <-invalid:
		if err == nil {
			t.Fatal("expected a non-nil validation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalid-event callback")
	}
}

func TestReadLoopAppliesRateLimit(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- ws
	}))
	defer server.Close()

	wsURL, _ := url.Parse(server.URL)
	wsURL.Scheme = "ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	serverSide := <-connCh
	limiter := NewLimiter(1)
	conn := NewConn("sess-rl", serverSide, limiter, testLogger())
	defer conn.Close()

	limited := make(chan time.Duration, 4)
	go conn.ReadLoop(
		func(Inbound) {},
		func(retryAfter time.Duration) { limited <- retryAfter },
		func(error) {},
	)

	msg := `{"event":"text:message","sessionId":"sess-rl","timestamp":"2026-01-01T00:00:00Z","data":{"text":"hi"}}`
	for i := 0; i < 2; i++ {
		if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	select {
	case retryAfter := <-limited:
		if retryAfter <= 0 {
			t.Error("expected a positive retry-after duration")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rate-limit callback")
	}
}

func TestReadLoopFlagsSanitizedInjectionAttempt(t *testing.T) {
	conn, client, cleanup := dialedConn(t)
	defer cleanup()

	received := make(chan Inbound, 1)
	go conn.ReadLoop(
		func(in Inbound) { received <- in },
		func(time.Duration) {},
		func(error) {},
	)

	msg := `{"event":"text:message","sessionId":"sess-1","timestamp":"2026-01-01T00:00:00Z","data":"<script>alert(1)</script>"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case in := <-received:
		if !in.Flagged {
			t.Error("expected injection signature to flag the inbound event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestConnSendMarshalsEnvelope(t *testing.T) {
	conn, client, cleanup := dialedConn(t)
	defer cleanup()

	env, err := BuildEnvelope(OutSessionReady, "sess-1", time.Now(), map[string]string{"status": "ready"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty message")
	}
}
