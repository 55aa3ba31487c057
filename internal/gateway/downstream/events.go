package downstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// InboundEventName enumerates the client transport's inbound event
// names (spec §6 inbound table).
type InboundEventName string

const (
	EventSessionStart       InboundEventName = "session:start"
	EventSessionEnd         InboundEventName = "session:end"
	EventAudioChunk         InboundEventName = "audio:chunk"
	EventConfigUpdate       InboundEventName = "config:update"
	EventQuestionnaireSelect InboundEventName = "questionnaire:select"
	EventTextMessage        InboundEventName = "text:message"
	EventUserSpeaking       InboundEventName = "user:speaking"
	EventTranscriptUpdate   InboundEventName = "transcript:update"
)

// Envelope is the common shape every inbound/outbound event carries:
// event name, session id, timestamp, and a payload.
type Envelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SessionStartPayload is the payload of a session:start event.
type SessionStartPayload struct {
	QuestionnaireID string `json:"questionnaireId"`
	VoiceID         string `json:"voiceId"`
	Language        string `json:"language,omitempty"`
	UserID          string `json:"userId,omitempty"`
}

// SessionEndPayload is the payload of a session:end event.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AudioChunkPayload is the payload of an audio:chunk event, inbound or
// outbound.
type AudioChunkPayload struct {
	AudioData      []byte `json:"audioData"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

// maxAudioPayloadBytes rejects oversized client audio per spec §8
// boundary property (>1MB rejected).
const maxAudioPayloadBytes = 1 << 20

// ValidationError describes why an inbound event was rejected.
type ValidationError struct {
	Event  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Reason)
}

// ParseEnvelope decodes the common envelope fields from raw inbound
// bytes.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ValidationError{Event: "unknown", Reason: "malformed envelope"}
	}
	return env, nil
}

// ValidateAudioChunk enforces the non-empty/non-oversized boundary
// rules from spec §8 on an inbound audio payload.
func ValidateAudioChunk(p AudioChunkPayload) error {
	if len(p.AudioData) == 0 {
		return &ValidationError{Event: string(EventAudioChunk), Reason: "empty payload"}
	}
	if len(p.AudioData) > maxAudioPayloadBytes {
		return &ValidationError{Event: string(EventAudioChunk), Reason: "oversized payload"}
	}
	return nil
}

// ValidateSessionStart enforces the required-field rule for
// session:start.
func ValidateSessionStart(p SessionStartPayload) error {
	if p.QuestionnaireID == "" {
		return &ValidationError{Event: string(EventSessionStart), Reason: "questionnaireId required"}
	}
	return nil
}

// OutboundEventName enumerates the client transport's outbound event
// names (spec §6 outbound table).
type OutboundEventName string

const (
	OutSessionReady           OutboundEventName = "session:ready"
	OutTranscriptionUser      OutboundEventName = "transcription:user"
	OutTranscriptionAssistant OutboundEventName = "transcription:assistant"
	OutAudioChunk             OutboundEventName = "audio:chunk"
	OutTurnStart              OutboundEventName = "turn:start"
	OutTurnComplete           OutboundEventName = "turn:complete"
	OutInterruption           OutboundEventName = "interruption"
	OutResponseRecorded       OutboundEventName = "response:recorded"
	OutNLPAnalysis            OutboundEventName = "nlp:analysis"
	OutSurveyAnswers          OutboundEventName = "survey:answers"
	OutSessionComplete        OutboundEventName = "session:complete"
	OutError                  OutboundEventName = "error"
)

// BuildEnvelope marshals data and wraps it with the common envelope
// fields, timestamped at now.
func BuildEnvelope(event OutboundEventName, sessionID string, now time.Time, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: string(event), SessionID: sessionID, Timestamp: now, Data: raw}, nil
}

// ErrorPayload is the payload of an outbound error event.
type ErrorPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfter   *int   `json:"retryAfter,omitempty"`
}

// SessionCompletePayload is the payload of the terminal session:complete
// event.
type SessionCompletePayload struct {
	CompletionStatus  string      `json:"completionStatus"`
	TotalQuestions    int         `json:"totalQuestions"`
	AnsweredQuestions int         `json:"answeredQuestions"`
	DurationMs        int64       `json:"duration"`
	RecordingURL      string      `json:"recordingUrl,omitempty"`
	SurveyAnswers     interface{} `json:"surveyAnswers,omitempty"`
	NLPAnalysis       interface{} `json:"nlpAnalysis,omitempty"`
}
