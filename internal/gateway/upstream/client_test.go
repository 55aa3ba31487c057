package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Acsight/voiceter-gateway/internal/gateway/errcode"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// newTestUpstreamServer starts a websocket endpoint that reads the setup
// frame the Client sends on connect and replies with setupComplete,
// mirroring the handshake internal/gateway/framer expects.
func newTestUpstreamServer(t *testing.T, onSetup func(raw []byte)) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if onSetup != nil {
			onSetup(raw)
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{"sessionId":"sess-upstream-1"}}`)); err != nil {
			return
		}

		// Keep reading so SendAudio's writes don't fail with a broken pipe.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) url.URL {
	u, _ := url.Parse(httpURL)
	u.Scheme = "ws"
	return *u
}

func TestClientConnectReachesReadyAndEmitsSetupComplete(t *testing.T) {
	server := newTestUpstreamServer(t, nil)
	defer server.Close()

	c := NewClient("sess-1", Options{
		Endpoint:  wsURL(server.URL),
		Model:     "gemini-2.0-flash-live",
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
	}, "Charon", nil, websocket.DefaultDialer, testLogger())

	c.Connect(context.Background())
	defer c.Stop()

	var sawReady, sawSetupComplete bool
	deadline := time.After(2 * time.Second)
	for !sawReady || !sawSetupComplete {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed before reaching ready")
			}
			if ev.Kind == EventStateChange && ev.State == StateReady {
				sawReady = true
			}
			if ev.Kind == EventSetupComplete {
				sawSetupComplete = true
				if ev.UpstreamSessionID != "sess-upstream-1" {
					t.Errorf("unexpected upstream session id: %q", ev.UpstreamSessionID)
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for ready/setup-complete events")
		}
	}

	if c.State() != StateReady {
		t.Fatalf("expected client state ready, got %v", c.State())
	}
}

func TestClientSendAudioFlushesAfterReady(t *testing.T) {
	server := newTestUpstreamServer(t, nil)
	defer server.Close()

	c := NewClient("sess-2", Options{
		Endpoint:   wsURL(server.URL),
		Model:      "gemini-2.0-flash-live",
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
	}, "Charon", nil, websocket.DefaultDialer, testLogger())

	c.Connect(context.Background())
	defer c.Stop()

	// Before ready, SendAudio must queue rather than error.
	seq, err := c.SendAudio([]byte("pre-ready"))
	if err != nil {
		t.Fatalf("SendAudio before ready returned error: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected first sequence 0, got %d", seq)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed before reaching ready")
			}
			if ev.Kind == EventStateChange && ev.State == StateReady {
				goto Ready
			}
		case <-deadline:
			t.Fatal("timed out waiting for ready")
		}
	}
Ready:
	seq2, err := c.SendAudio([]byte("post-ready"))
	if err != nil {
		t.Fatalf("SendAudio after ready returned error: %v", err)
	}
	if seq2 != 1 {
		t.Fatalf("expected second sequence 1, got %d", seq2)
	}
}

func TestClientUnreachableUpstreamExhaustsRetriesAndClosesEventChannel(t *testing.T) {
	c := NewClient("sess-3", Options{
		Endpoint:   url.URL{Scheme: "ws", Host: "127.0.0.1:1", Path: "/"},
		Model:      "gemini-2.0-flash-live",
		MaxRetries: 1,
		BaseDelay:  5 * time.Millisecond,
	}, "Charon", func(ctx context.Context) (string, error) {
		return "Bearer token", nil
	}, websocket.DefaultDialer, testLogger())

	c.Connect(context.Background())

	var sawError, sawExhausted, channelClosed bool
	deadline := time.After(3 * time.Second)
	for !channelClosed {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				channelClosed = true
				break
			}
			if ev.Kind == EventError {
				sawError = true
				if ev.Code == errcode.ReconnectionExhausted {
					sawExhausted = true
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for reconnection exhaustion")
		}
	}

	if !sawError {
		t.Error("expected at least one error event")
	}
	if !sawExhausted {
		t.Error("expected a ReconnectionExhausted error event before the channel closed")
	}
	if c.State() != StateError {
		t.Fatalf("expected state error after exhaustion, got %v", c.State())
	}
}

func TestClassifyMapsGoAwayAndCloseErrors(t *testing.T) {
	if got := classify(&goAwayError{graceMs: 1000}); got != errcode.GoAway {
		t.Errorf("expected GoAway, got %v", got)
	}
	ce := &closeError{code: 1011, err: &websocket.CloseError{Code: 1011, Text: "stream reset"}}
	if got := classify(ce); got != errcode.StreamError {
		t.Errorf("expected StreamError, got %v", got)
	}
	if got := classify(&dialError{"dial tcp: auth failed 401"}); got != errcode.AuthFailed {
		t.Errorf("expected AuthFailed, got %v", got)
	}
}

func TestClientStopIsIdempotentAndStopsEvents(t *testing.T) {
	server := newTestUpstreamServer(t, nil)
	defer server.Close()

	c := NewClient("sess-4", Options{
		Endpoint:   wsURL(server.URL),
		Model:      "gemini-2.0-flash-live",
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
	}, "Charon", nil, websocket.DefaultDialer, testLogger())

	c.Connect(context.Background())

	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				break loop
			}
			if ev.Kind == EventStateChange && ev.State == StateReady {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for ready before stopping")
		}
	}

	c.Stop()
	c.Stop() // must not panic or block

	if c.State() != StateClosed {
		t.Fatalf("expected state closed after Stop, got %v", c.State())
	}
}

func TestWsURLHelperRewritesScheme(t *testing.T) {
	u := wsURL("http://127.0.0.1:9999/ws")
	if u.Scheme != "ws" || !strings.HasSuffix(u.Path, "/ws") {
		t.Fatalf("unexpected rewritten url: %+v", u)
	}
}
