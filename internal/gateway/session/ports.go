package session

import (
	"context"
	"time"
)

// Question is one questionnaire entry.
type Question struct {
	ID   string
	Text string
}

// Questionnaire is the static per-id configuration blob returned by the
// out-of-scope questionnaire loader collaborator.
type Questionnaire struct {
	ID                string
	Name              string
	EstimatedDuration time.Duration
	Questions         []Question
}

// QuestionnaireLoader loads a questionnaire by id. Out of scope per
// spec.md §1; the gateway only consumes its interface.
type QuestionnaireLoader interface {
	Load(ctx context.Context, questionnaireID string) (*Questionnaire, error)
}

// PromptLoader loads localized system-prompt text for a questionnaire,
// keyed by the resolved language folder ({EN, TR}).
type PromptLoader interface {
	Load(ctx context.Context, questionnaireID, folder string) (string, error)
}

// Store is the persistence collaborator's interface: session record
// create/update/delete and audio-recording flush. Out of scope per
// spec.md §1; failures in the hot path are logged and tolerated, per
// spec §4.8's failure semantics.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	AppendRecordingChunk(ctx context.Context, sessionID string, chunk []byte) error
	FlushRecording(ctx context.Context, sessionID string) (recordingURL string, err error)
}

// SurveyExtractor runs the external survey-extractor analyzer over a
// completed conversation history.
type SurveyExtractor interface {
	Extract(ctx context.Context, history []ConversationTurn) (interface{}, error)
}

// SentimentAnalyzer runs the external per-response sentiment analyzer
// over open-ended answers.
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, answers map[string]AnswerRecord) (interface{}, error)
}
