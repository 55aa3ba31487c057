package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Acsight/voiceter-gateway/internal/gateway/downstream"
	"github.com/Acsight/voiceter-gateway/internal/gateway/framer"
	"github.com/Acsight/voiceter-gateway/internal/gateway/tooldispatch"
	"github.com/Acsight/voiceter-gateway/internal/gateway/voice"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

func orchestratorTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type fakeQuestionnaireLoader struct{ q *Questionnaire }

func (f *fakeQuestionnaireLoader) Load(ctx context.Context, id string) (*Questionnaire, error) {
	return f.q, nil
}

type fakePromptLoader struct{ prompt string }

func (f *fakePromptLoader) Load(ctx context.Context, questionnaireID, folder string) (string, error) {
	return f.prompt, nil
}

type fakeStore struct {
	mu      sync.Mutex
	updated []*Session
	flushed []string
	deleted []string
}

func (f *fakeStore) CreateSession(ctx context.Context, s *Session) error { return nil }
func (f *fakeStore) UpdateSession(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, s)
	return nil
}
func (f *fakeStore) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}
func (f *fakeStore) AppendRecordingChunk(ctx context.Context, sessionID string, chunk []byte) error {
	return nil
}
func (f *fakeStore) FlushRecording(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, sessionID)
	return "store://recording/" + sessionID, nil
}

// fakeAggregator satisfies the Orchestrator's narrow Aggregator port
// without pulling in the real transcript package (avoids an import
// cycle and keeps this test deterministic).
type fakeAggregator struct {
	mu      sync.Mutex
	inputs  []string
	history []ConversationTurn
}

func (f *fakeAggregator) HandleInput(sessionID, text string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	f.history = append(f.history, ConversationTurn{Speaker: SpeakerUser, Text: text, Timestamp: now, IsFinal: true})
	return true
}
func (f *fakeAggregator) HandleOutput(sessionID, text string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, ConversationTurn{Speaker: SpeakerAssistant, Text: text, Timestamp: now, IsFinal: true})
	return true
}
func (f *fakeAggregator) History(sessionID string) []ConversationTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ConversationTurn, len(f.history))
	copy(out, f.history)
	return out
}
func (f *fakeAggregator) Cleanup(sessionID string) {}

type fakePublisher struct {
	mu        sync.Mutex
	subjects  []string
	published int
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.published++
	return nil
}

// newFakeUpstream starts a websocket endpoint playing the Gemini Live
// handshake: reads the setup frame, replies with setupComplete, then
// sends nothing more.
func newFakeUpstream(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil { // setup frame
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{"sessionId":"upstream-1"}}`)); err != nil {
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURLFrom(httpURL string) url.URL {
	u, _ := url.Parse(httpURL)
	u.Scheme = "ws"
	return *u
}

// newFakeDownstreamConn wires a real downstream.Conn to a client-facing
// websocket so Orchestrator's outbound Send calls have somewhere to go.
func newFakeDownstreamConn(t *testing.T, sessionID string) (*downstream.Conn, *websocket.Conn, func()) {
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

	u := wsURLFrom(server.URL)
	client, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	serverSide := <-connCh

	conn := downstream.NewConn(sessionID, serverSide, downstream.NewLimiter(1000), orchestratorTestLogger())
	cleanup := func() {
		client.Close()
		conn.Close()
		server.Close()
	}
	return conn, client, cleanup
}

func readEnvelope(t *testing.T, client *websocket.Conn) downstream.Envelope {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env downstream.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope failed: %v", err)
	}
	return env
}

func noopAuthorize(ctx context.Context) (string, error) { return "Bearer test-token", nil }

func TestStartSessionReachesReady(t *testing.T) {
	upstreamServer := newFakeUpstream(t)
	defer upstreamServer.Close()

	downConn, downClient, cleanupDown := newFakeDownstreamConn(t, "pending")
	defer cleanupDown()

	registry := NewRegistry(orchestratorTestLogger())
	store := &fakeStore{}
	aggregator := &fakeAggregator{}
	publisher := &fakePublisher{}

	orch := New(Deps{
		Registry:      registry,
		Questionnaire: &fakeQuestionnaireLoader{q: &Questionnaire{ID: "q1", Name: "Customer Survey", Questions: []Question{{ID: "q1.1", Text: "How satisfied are you?"}}}},
		Prompts:       &fakePromptLoader{prompt: "you are a survey assistant"},
		Store:         store,
		Aggregator:    aggregator,
		Dispatcher:    tooldispatch.New(tooldispatch.NewRegistry(), orchestratorTestLogger(), time.Second),
		RateLimiter:   downstream.NewLimiter(100),
		Publisher:     publisher,
		Logger:        orchestratorTestLogger(),

		UpstreamEndpoint: wsURLFrom(upstreamServer.URL),
		UpstreamModel:    "gemini-2.0-flash-live",
		VoiceConfig: voice.Config{
			DefaultVoice:        voice.Charon,
			ReconnectMaxRetries: 1,
			ReconnectBaseDelay:  10 * time.Millisecond,
			ToolTimeout:         time.Second,
		},
		Dialer:    websocket.DefaultDialer,
		Authorize: noopAuthorize,
	})

	sessionID, err := orch.StartSession(context.Background(), downConn, downstream.SessionStartPayload{
		QuestionnaireID: "q1",
		VoiceID:         "Charon",
		Language:        "en-US",
	})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a non-empty session id")
	}

	sess, ok := registry.Get(sessionID)
	if !ok {
		t.Fatal("expected session registered")
	}
	if sess.Status != StatusActive {
		t.Fatalf("expected active status, got %v", sess.Status)
	}

	env := readEnvelope(t, downClient)
	if env.Event != string(downstream.OutSessionReady) {
		t.Fatalf("expected session:ready as first outbound event, got %q", env.Event)
	}
}

func TestEndSessionRunsFinalizeExactlyOnce(t *testing.T) {
	upstreamServer := newFakeUpstream(t)
	defer upstreamServer.Close()

	downConn, downClient, cleanupDown := newFakeDownstreamConn(t, "pending")
	defer cleanupDown()

	registry := NewRegistry(orchestratorTestLogger())
	store := &fakeStore{}
	aggregator := &fakeAggregator{}
	publisher := &fakePublisher{}

	orch := New(Deps{
		Registry:      registry,
		Questionnaire: &fakeQuestionnaireLoader{q: &Questionnaire{ID: "q1", Name: "Survey"}},
		Prompts:       &fakePromptLoader{prompt: "prompt"},
		Store:         store,
		Aggregator:    aggregator,
		Dispatcher:    tooldispatch.New(tooldispatch.NewRegistry(), orchestratorTestLogger(), time.Second),
		RateLimiter:   downstream.NewLimiter(100),
		Publisher:     publisher,
		Logger:        orchestratorTestLogger(),

		UpstreamEndpoint: wsURLFrom(upstreamServer.URL),
		UpstreamModel:    "gemini-2.0-flash-live",
		VoiceConfig: voice.Config{
			DefaultVoice:        voice.Charon,
			ReconnectMaxRetries: 1,
			ReconnectBaseDelay:  10 * time.Millisecond,
			ToolTimeout:         time.Second,
		},
		Dialer:    websocket.DefaultDialer,
		Authorize: noopAuthorize,
	})

	sessionID, err := orch.StartSession(context.Background(), downConn, downstream.SessionStartPayload{QuestionnaireID: "q1"})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}

	readEnvelope(t, downClient) // session:ready

	o := orch
	o.mu.RLock()
	rt, ok := o.runtimes[sessionID]
	o.mu.RUnlock()
	if !ok {
		t.Fatal("expected runtime registered")
	}

	o.finalize(context.Background(), rt, "completed")
	o.finalize(context.Background(), rt, "completed") // must be idempotent

	publisher.mu.Lock()
	published := publisher.published
	publisher.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected exactly 1 publish despite 2 finalize calls, got %d", published)
	}

	store.mu.Lock()
	flushCount := len(store.flushed)
	store.mu.Unlock()
	if flushCount != 1 {
		t.Fatalf("expected exactly 1 recording flush, got %d", flushCount)
	}

	if rt.sess.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %v", rt.sess.Status)
	}
}

// TestSessionCompleteReportsAccurateCompletionCounts drives a
// multi-question session through dispatchToolCall and asserts the
// terminal session:complete envelope's completion numbers reflect the
// questionnaire and the answers actually recorded, guarding the
// CompletionRate invariant (spec §4.8: answered/total >= 80% => completed).
func TestSessionCompleteReportsAccurateCompletionCounts(t *testing.T) {
	upstreamServer := newFakeUpstream(t)
	defer upstreamServer.Close()

	downConn, downClient, cleanupDown := newFakeDownstreamConn(t, "pending")
	defer cleanupDown()

	registryTools := tooldispatch.NewRegistry()
	registryTools.Register("record_response", "records a survey answer", nil,
		func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"recorded":   true,
				"questionId": args["questionId"],
				"answer":     args["answer"],
			}, nil
		})

	registry := NewRegistry(orchestratorTestLogger())
	store := &fakeStore{}
	aggregator := &fakeAggregator{}
	publisher := &fakePublisher{}

	questionnaire := &Questionnaire{
		ID:   "q1",
		Name: "Customer Survey",
		Questions: []Question{
			{ID: "q1.1", Text: "How satisfied are you?"},
			{ID: "q1.2", Text: "Would you recommend us?"},
		},
	}

	orch := New(Deps{
		Registry:      registry,
		Questionnaire: &fakeQuestionnaireLoader{q: questionnaire},
		Prompts:       &fakePromptLoader{prompt: "you are a survey assistant"},
		Store:         store,
		Aggregator:    aggregator,
		Dispatcher:    tooldispatch.New(registryTools, orchestratorTestLogger(), time.Second),
		RateLimiter:   downstream.NewLimiter(100),
		Publisher:     publisher,
		Logger:        orchestratorTestLogger(),

		UpstreamEndpoint: wsURLFrom(upstreamServer.URL),
		UpstreamModel:    "gemini-2.0-flash-live",
		VoiceConfig: voice.Config{
			DefaultVoice:        voice.Charon,
			ReconnectMaxRetries: 1,
			ReconnectBaseDelay:  10 * time.Millisecond,
			ToolTimeout:         time.Second,
		},
		Dialer:    websocket.DefaultDialer,
		Authorize: noopAuthorize,
	})

	sessionID, err := orch.StartSession(context.Background(), downConn, downstream.SessionStartPayload{QuestionnaireID: "q1"})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}

	readEnvelope(t, downClient) // session:ready

	o := orch
	o.mu.RLock()
	rt, ok := o.runtimes[sessionID]
	o.mu.RUnlock()
	if !ok {
		t.Fatal("expected runtime registered")
	}

	o.dispatchToolCall(context.Background(), rt, framer.FunctionCall{
		ID: "call-1", Name: "record_response",
		Args: map[string]interface{}{"questionId": "q1.1", "answer": "very satisfied"},
	})
	readEnvelope(t, downClient) // response:recorded

	o.dispatchToolCall(context.Background(), rt, framer.FunctionCall{
		ID: "call-2", Name: "record_response",
		Args: map[string]interface{}{"questionId": "q1.2", "answer": "yes"},
	})
	readEnvelope(t, downClient) // response:recorded

	if got := len(rt.sess.Answers); got != 2 {
		t.Fatalf("expected 2 recorded answers, got %d", got)
	}

	// reason is neither "completed" nor "error", so finalize must derive
	// the terminal status from the real completion rate.
	o.finalize(context.Background(), rt, "client_disconnected")

	env := readEnvelope(t, downClient) // session:complete
	if env.Event != string(downstream.OutSessionComplete) {
		t.Fatalf("expected session:complete, got %q", env.Event)
	}

	var payload downstream.SessionCompletePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal session:complete payload failed: %v", err)
	}
	if payload.TotalQuestions != 2 {
		t.Fatalf("expected totalQuestions 2, got %d", payload.TotalQuestions)
	}
	if payload.AnsweredQuestions != 2 {
		t.Fatalf("expected answeredQuestions 2, got %d", payload.AnsweredQuestions)
	}
	if payload.CompletionStatus != string(StatusCompleted) {
		t.Fatalf("expected completion status %q, got %q", StatusCompleted, payload.CompletionStatus)
	}
	if rt.sess.Status != StatusCompleted {
		t.Fatalf("expected session status completed, got %v", rt.sess.Status)
	}
}
