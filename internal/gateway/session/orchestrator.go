// Package session implements the Session Orchestrator: the single
// per-session authority wiring the Token Provider, Upstream Client,
// Message Framer, Voice/Config Resolver, Transcription Aggregator,
// Tool Dispatcher and Downstream Transport together for one
// conversation's full lifecycle.
//
// Grounded on internal/streaming/manager.go's session registry (fused
// here with internal/deepr/service.go's new-vs-reconnect dispatch
// shape) and internal/logger's LogOperation for timed, logged
// post-session steps.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Acsight/voiceter-gateway/internal/gateway/downstream"
	"github.com/Acsight/voiceter-gateway/internal/gateway/errcode"
	"github.com/Acsight/voiceter-gateway/internal/gateway/framer"
	"github.com/Acsight/voiceter-gateway/internal/gateway/tooldispatch"
	"github.com/Acsight/voiceter-gateway/internal/gateway/upstream"
	"github.com/Acsight/voiceter-gateway/internal/gateway/voice"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// Aggregator is the narrow interface the Orchestrator needs from the
// Transcription Aggregator. Declared here (rather than importing the
// transcript package) so that transcript may depend on session's data
// model types without creating an import cycle.
type Aggregator interface {
	HandleInput(sessionID, text string, now time.Time) bool
	HandleOutput(sessionID, text string, now time.Time) bool
	History(sessionID string) []ConversationTurn
	Cleanup(sessionID string)
}

// Publisher fans out the terminal session:complete payload to external
// post-session analyzers (survey-extractor, sentiment analyzer),
// backed by NATS in production.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Deps bundles every collaborator the Orchestrator wires together.
type Deps struct {
	Registry      *Registry
	Questionnaire QuestionnaireLoader
	Prompts       PromptLoader
	Store         Store
	SurveyExtract SurveyExtractor
	Sentiment     SentimentAnalyzer
	Aggregator    Aggregator
	Dispatcher    *tooldispatch.Dispatcher
	RateLimiter   *downstream.Limiter
	Publisher     Publisher
	Logger        *logger.Logger

	UpstreamEndpoint url.URL
	UpstreamModel    string
	VoiceConfig      voice.Config
	ToolsDisabled    bool

	// Authorize returns the bearer Authorization header value for a
	// fresh upstream connection (wired to the Token Provider).
	Authorize func(ctx context.Context) (string, error)
	Dialer    upstream.Dialer
}

// Orchestrator implements the per-session lifecycle described in
// spec §4.8.
type Orchestrator struct {
	deps Deps

	mu       sync.RWMutex
	runtimes map[string]*runtime
}

// New constructs an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	if deps.Dialer == nil {
		deps.Dialer = upstream.NewWebsocketDialer()
	}
	return &Orchestrator{deps: deps, runtimes: make(map[string]*runtime)}
}

// runtime is the live, in-memory state for one active session beyond
// the persisted Session record: its upstream client, downstream
// connection, and post-session-pipeline guard.
type runtime struct {
	sess          *Session
	questionnaire *Questionnaire
	upstream      *upstream.Client
	downstream    *downstream.Conn
	cancel        context.CancelFunc

	finalizeOnce sync.Once
	turnStarted  bool // true once a turn:start has been emitted for the current turn

	// answersMu guards sess.Answers/CurrentQuestionIdx, written from the
	// per-call dispatchToolCall goroutines spec §5 allows to run
	// concurrently within a session.
	answersMu sync.Mutex
}

// StartSession handles an inbound session:start event: loads the
// questionnaire, resolves voice/language, builds tool declarations,
// dials upstream, and begins relaying. Errors fail the session before
// any client-visible session:ready is sent.
func (o *Orchestrator) StartSession(ctx context.Context, conn *downstream.Conn, payload downstream.SessionStartPayload) (string, error) {
	log := o.deps.Logger.WithComponent("orchestrator")

	questionnaire, err := o.deps.Questionnaire.Load(ctx, payload.QuestionnaireID)
	if err != nil {
		return "", err
	}

	sessionID := uuid.New().String()
	language := payload.Language
	if language == "" {
		language = "en-US"
	}
	resolvedVoice := voice.Resolve(payload.VoiceID)

	now := time.Now()
	sess := NewSession(sessionID, questionnaire.ID, language, string(resolvedVoice), payload.UserID, now)

	if err := o.deps.Store.CreateSession(ctx, sess); err != nil {
		log.Error("session persistence create failed", slog.String("error", err.Error()))
		// Cold-path create failure: the session still proceeds in
		// memory; persistence is best-effort per spec failure semantics
		// for everything except the final session:complete write.
	}

	folder := voice.LanguageFolder(language)
	prompt, err := o.deps.Prompts.Load(ctx, questionnaire.ID, folder)
	if err != nil {
		return "", err
	}

	var decls []framer.FunctionDecl
	if !o.deps.ToolsDisabled && o.deps.Dispatcher != nil {
		decls = buildFunctionDeclarations(o.deps.Dispatcher)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{sess: sess, questionnaire: questionnaire, downstream: conn, cancel: cancel}

	if !o.deps.Registry.Create(sess, cancel) {
		cancel()
		return "", errDuplicateSession
	}

	opts := upstream.Options{
		Endpoint:          o.deps.UpstreamEndpoint,
		Model:             o.deps.UpstreamModel,
		SystemInstruction: prompt,
		VAD: framer.VADConfig{
			StartSensitivity:     "START_SENSITIVITY_HIGH",
			EndSensitivity:       "END_SENSITIVITY_HIGH",
			PrefixPaddingMs:      20,
			SilenceDurationMs:    500,
			InterruptsOnActivity: true,
		},
		FunctionDecls:    decls,
		MaxRetries:       o.deps.VoiceConfig.ReconnectMaxRetries,
		BaseDelay:        o.deps.VoiceConfig.ReconnectBaseDelay,
		HandshakeTimeout: 30 * time.Second,
	}

	client := upstream.NewClient(sessionID, opts, string(resolvedVoice), o.deps.Authorize, o.deps.Dialer, o.deps.Logger)
	rt.upstream = client

	o.mu.Lock()
	o.runtimes[sessionID] = rt
	o.mu.Unlock()

	client.Connect(sessCtx)

	go o.relay(sessCtx, rt, questionnaire)

	return sessionID, nil
}

// HandleInbound routes one accepted client event to the owning
// session's runtime (spec §4.7 step 5: "route to the Orchestrator").
// sessionID identifies the runtime registered by StartSession; unknown
// ids are dropped silently (the client connection has already closed
// by the time this could race).
func (o *Orchestrator) HandleInbound(ctx context.Context, sessionID string, in downstream.Inbound) {
	o.mu.RLock()
	rt, ok := o.runtimes[sessionID]
	o.mu.RUnlock()
	if !ok {
		return
	}

	switch in.Event {
	case downstream.EventAudioChunk:
		var payload downstream.AudioChunkPayload
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			return
		}
		o.HandleAudioChunk(ctx, rt, payload)

	case downstream.EventSessionEnd:
		var payload downstream.SessionEndPayload
		_ = json.Unmarshal(in.Data, &payload)
		reason := payload.Reason
		if reason == "" {
			reason = "user_ended"
		}
		o.EndSession(ctx, rt, reason)

	default:
		// config:update, questionnaire:select, text:message,
		// user:speaking, transcript:update are reserved per spec §6 and
		// intentionally not acted upon yet.
	}
}

// forgetRuntime drops a runtime from the active map, called once its
// post-session pipeline has run.
func (o *Orchestrator) forgetRuntime(sessionID string) {
	o.mu.Lock()
	delete(o.runtimes, sessionID)
	o.mu.Unlock()
}

var errDuplicateSession = &orchestratorError{"session id already registered"}

type orchestratorError struct{ msg string }

func (e *orchestratorError) Error() string { return e.msg }

// sessionLogger returns a component-tagged logger with the gateway
// session id (and upstream session id, once assigned) attached via the
// typed context keys, mirroring how chat_id/user_id are attached
// elsewhere in this codebase.
func (o *Orchestrator) sessionLogger(ctx context.Context, rt *runtime) *logger.Logger {
	ctx = logger.WithSessionID(ctx, rt.sess.ID)
	if rt.sess.UpstreamSessionID != "" {
		ctx = logger.WithUpstreamSessionID(ctx, rt.sess.UpstreamSessionID)
	}
	return o.deps.Logger.WithComponent("orchestrator").WithContext(ctx)
}

// buildFunctionDeclarations converts the dispatcher's registered
// mcp.Tool declarations into the framer's upstream wire shape. Kept
// separate from tooldispatch so that package has no dependency on the
// wire-protocol layer.
func buildFunctionDeclarations(d *tooldispatch.Dispatcher) []framer.FunctionDecl {
	tools := d.Declarations()
	decls := make([]framer.FunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, framer.FunctionDecl{
			Name:        t.Name,
			Description: t.Description,
		})
	}
	return decls
}

// relay consumes the Upstream Client's event channel for the lifetime
// of the session, applying the routing table from spec §4.8 step 6.
// Recovers from any panic in a single session's goroutine so one bad
// session cannot take down the process.
func (o *Orchestrator) relay(ctx context.Context, rt *runtime, questionnaire *Questionnaire) {
	defer func() {
		if r := recover(); r != nil {
			o.sessionLogger(ctx, rt).Error("session goroutine panicked", slog.Any("panic", r))
			o.finalize(context.Background(), rt, "error")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rt.upstream.Events():
			if !ok {
				o.finalize(context.Background(), rt, "error")
				return
			}
			o.handleUpstreamEvent(ctx, rt, questionnaire, ev)
			if rt.sess.Status.Terminal() {
				return
			}
		}
	}
}

func (o *Orchestrator) handleUpstreamEvent(ctx context.Context, rt *runtime, q *Questionnaire, ev upstream.Event) {
	now := time.Now()
	switch ev.Kind {
	case upstream.EventSetupComplete:
		rt.sess.UpstreamSessionID = ev.UpstreamSessionID
		o.sendReady(ctx, rt, q, now)
		_ = rt.upstream.SendTextTurn("user", "Begin the survey.")

	case upstream.EventAudioOutput:
		if !rt.turnStarted {
			rt.turnStarted = true
			o.sendOutbound(ctx, rt, downstream.OutTurnStart, now, struct{}{})
		}
		rt.sess.Metrics.ChunksReceived++
		o.sendOutbound(ctx, rt, downstream.OutAudioChunk, now, downstream.AudioChunkPayload{
			AudioData: ev.AudioPayload, SequenceNumber: ev.OutputSeq,
		})

	case upstream.EventInputTranscript:
		if o.deps.Aggregator.HandleInput(rt.sess.ID, ev.Text, now) {
			o.sendOutbound(ctx, rt, downstream.OutTranscriptionUser, now, struct {
				Text string `json:"text"`
			}{ev.Text})
		}

	case upstream.EventOutputTranscript:
		if o.deps.Aggregator.HandleOutput(rt.sess.ID, ev.Text, now) {
			o.sendOutbound(ctx, rt, downstream.OutTranscriptionAssistant, now, struct {
				Text string `json:"text"`
			}{ev.Text})
		}

	case upstream.EventInterrupted:
		rt.turnStarted = false
		o.sendOutbound(ctx, rt, downstream.OutInterruption, now, struct{}{})

	case upstream.EventTurnComplete:
		rt.turnStarted = false
		o.sendOutbound(ctx, rt, downstream.OutTurnComplete, now, struct{}{})

	case upstream.EventToolCall:
		for _, call := range ev.ToolCalls {
			go o.dispatchToolCall(ctx, rt, call)
		}

	case upstream.EventToolCancellation:
		if o.deps.Dispatcher != nil {
			o.deps.Dispatcher.CancelAll(ev.CancelledCallIDs)
		}

	case upstream.EventGoAway:
		o.sessionLogger(ctx, rt).Info("upstream requested reconnect")

	case upstream.EventError:
		if ev.Recoverable {
			o.sendOutbound(ctx, rt, downstream.OutError, now, downstream.ErrorPayload{
				ErrorCode: string(ev.Code), ErrorMessage: errcode.Lookup(ev.Code).Message, Recoverable: true,
			})
		} else {
			o.finalize(ctx, rt, "error")
		}
	}
}

func (o *Orchestrator) dispatchToolCall(ctx context.Context, rt *runtime, call framer.FunctionCall) {
	if o.deps.Dispatcher == nil {
		return
	}
	start := time.Now()
	result := o.deps.Dispatcher.Dispatch(context.Background(), call.ID, call.Name, call.Args)
	downstream.RecordToolCallDuration(call.Name, time.Since(start))
	rt.sess.Metrics.ToolCallsExecuted++
	rt.sess.Metrics.ToolExecutionTime += time.Since(start)

	if result.Code == errcode.ToolCancelled {
		return // no response sent upstream for a cancelled call
	}

	resp := result.Response
	if resp == nil {
		resp = map[string]interface{}{"success": true}
	}
	_ = rt.upstream.SendToolResponse(framer.FunctionResponse{ID: call.ID, Name: call.Name, Response: resp})

	if recorded, ok := resp["recorded"].(bool); ok && recorded {
		o.recordAnswer(rt, call, resp)
		o.sendOutbound(ctx, rt, downstream.OutResponseRecorded, time.Now(), resp)
	}
}

// recordAnswer writes a recorded tool response into the session's
// Answers map and advances CurrentQuestionIdx past the answered
// question, per spec §3's response-map invariant. questionId/answer
// are read from the tool response first (the handler's canonical
// record of what it stored) and fall back to the call's own arguments,
// since a handler may echo the value back without renaming the field.
func (o *Orchestrator) recordAnswer(rt *runtime, call framer.FunctionCall, resp map[string]interface{}) {
	questionID, _ := resp["questionId"].(string)
	if questionID == "" {
		questionID, _ = call.Args["questionId"].(string)
	}
	if questionID == "" {
		return
	}
	value, ok := resp["answer"]
	if !ok {
		value = call.Args["answer"]
	}

	rt.answersMu.Lock()
	defer rt.answersMu.Unlock()

	rt.sess.Answers[questionID] = AnswerRecord{
		QuestionID: questionID,
		Value:      value,
		RecordedAt: time.Now(),
	}
	if rt.questionnaire != nil {
		for i, q := range rt.questionnaire.Questions {
			if q.ID == questionID && i+1 > rt.sess.CurrentQuestionIdx {
				rt.sess.CurrentQuestionIdx = i + 1
			}
		}
	}
}

func (o *Orchestrator) sendReady(ctx context.Context, rt *runtime, q *Questionnaire, now time.Time) {
	var first string
	if len(q.Questions) > 0 {
		first = q.Questions[0].Text
	}
	o.sendOutbound(ctx, rt, downstream.OutSessionReady, now, struct {
		QuestionnaireName string `json:"questionnaireName"`
		EstimatedDuration int64  `json:"estimatedDuration"`
		FirstQuestion     string `json:"firstQuestion"`
	}{q.Name, int64(q.EstimatedDuration.Seconds()), first})
}

func (o *Orchestrator) sendOutbound(ctx context.Context, rt *runtime, name downstream.OutboundEventName, now time.Time, data interface{}) {
	env, err := downstream.BuildEnvelope(name, rt.sess.ID, now, data)
	if err != nil {
		return
	}
	if err := rt.downstream.Send(env); err != nil {
		o.sessionLogger(ctx, rt).Warn("downstream send failed", slog.String("error", err.Error()))
	}
}

// HandleAudioChunk is called by the Downstream Transport for an
// accepted audio:chunk event.
func (o *Orchestrator) HandleAudioChunk(ctx context.Context, rt *runtime, payload downstream.AudioChunkPayload) {
	if err := downstream.ValidateAudioChunk(payload); err != nil {
		return
	}
	seq, err := rt.upstream.SendAudio(payload.AudioData)
	if err != nil {
		o.sessionLogger(ctx, rt).Warn("audio send failed", slog.String("error", err.Error()))
		return
	}
	rt.sess.Metrics.ChunksSent++
	rt.sess.Touch(time.Now())
	_ = seq
}

// EndSession handles an explicit session:end event or an unexpected
// client disconnect; runs the post-session pipeline exactly once.
func (o *Orchestrator) EndSession(ctx context.Context, rt *runtime, reason string) {
	o.finalize(ctx, rt, reason)
}

// finalize runs the post-session pipeline idempotently (spec invariant
// 10). Safe to call from multiple goroutines (client disconnect racing
// a server-side error, for instance).
func (o *Orchestrator) finalize(ctx context.Context, rt *runtime, reason string) {
	rt.finalizeOnce.Do(func() {
		o.runPostSessionPipeline(ctx, rt, reason)
	})
}

func (o *Orchestrator) runPostSessionPipeline(ctx context.Context, rt *runtime, reason string) {
	log := o.sessionLogger(ctx, rt)
	sess := rt.sess

	if rt.upstream != nil {
		rt.upstream.Stop()
	}
	if o.deps.RateLimiter != nil {
		o.deps.RateLimiter.Forget(sess.ID)
	}

	total := 0
	if rt.questionnaire != nil {
		total = len(rt.questionnaire.Questions)
	}
	rt.answersMu.Lock()
	answered := len(sess.Answers)
	rt.answersMu.Unlock()
	history := o.deps.Aggregator.History(sess.ID)

	var status Status
	switch reason {
	case "error":
		status = StatusError
	case "completed":
		status = StatusCompleted
	default:
		rate := CompletionRate(answered, total)
		if rate >= 0.8 {
			status = StatusCompleted
		} else {
			status = StatusAbandoned
		}
	}
	sess.Transition(status)

	var recordingURL string
	if o.deps.Store != nil {
		var err error
		recordingURL, err = o.deps.Store.FlushRecording(ctx, sess.ID)
		if err != nil {
			log.Error("recording flush failed", slog.String("error", err.Error()))
		}
		if err := o.deps.Store.UpdateSession(ctx, sess); err != nil {
			log.Error("session finalize persistence failed", slog.String("error", err.Error()))
		}
	}

	var surveyAnswers, nlpAnalysis interface{}
	if o.deps.SurveyExtract != nil {
		if v, err := o.deps.SurveyExtract.Extract(ctx, history); err == nil {
			surveyAnswers = v
		} else {
			log.Warn("survey extraction failed", slog.String("error", err.Error()))
		}
	}
	if o.deps.Sentiment != nil {
		if v, err := o.deps.Sentiment.Analyze(ctx, sess.Answers); err == nil {
			nlpAnalysis = v
		} else {
			log.Warn("sentiment analysis failed", slog.String("error", err.Error()))
		}
	}

	payload := downstream.SessionCompletePayload{
		CompletionStatus:  string(status),
		TotalQuestions:    total,
		AnsweredQuestions: answered,
		DurationMs:        time.Since(sess.StartedAt).Milliseconds(),
		RecordingURL:      recordingURL,
		SurveyAnswers:     surveyAnswers,
		NLPAnalysis:       nlpAnalysis,
	}
	o.sendOutbound(ctx, rt, downstream.OutSessionComplete, time.Now(), payload)

	if o.deps.Publisher != nil {
		if raw, err := marshalComplete(sess.ID, payload); err == nil {
			if err := o.deps.Publisher.Publish("survey.session.complete", raw); err != nil {
				log.Warn("session complete publish failed", slog.String("error", err.Error()))
			}
		}
	}

	o.deps.Aggregator.Cleanup(sess.ID)
	o.deps.Registry.MarkTerminal()
	o.forgetRuntime(sess.ID)

	// Grace window before the session record is scheduled for deletion.
	go func(id string) {
		time.Sleep(30 * time.Second)
		o.deps.Registry.Remove(id)
		if o.deps.Store != nil {
			_ = o.deps.Store.DeleteSession(context.Background(), id)
		}
	}(sess.ID)

	rt.cancel()
}

func marshalComplete(sessionID string, payload downstream.SessionCompletePayload) ([]byte, error) {
	env, err := downstream.BuildEnvelope(downstream.OutSessionComplete, sessionID, time.Now(), payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
