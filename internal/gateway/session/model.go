package session

import "time"

// Status is the terminal-monotone lifecycle state of a Session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusAbandoned  Status = "abandoned"
	StatusError      Status = "error"
)

// Terminal reports whether a status is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusAbandoned, StatusError:
		return true
	default:
		return false
	}
}

// Speaker identifies one side of a ConversationTurn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationTurn is one fragment of transcript, ordered by Timestamp
// within a session.
type ConversationTurn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"isFinal"`
}

// AnswerRecord is one recorded response to a questionnaire question.
type AnswerRecord struct {
	QuestionID string      `json:"questionId"`
	Value      interface{} `json:"value"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// Metrics tracks streaming counters for a session, held in memory on
// the Session. The downstream prometheus counters are kept separately,
// and the Store does not persist these fields.
type Metrics struct {
	ChunksSent          int64         `json:"chunksSent"`
	ChunksReceived      int64         `json:"chunksReceived"`
	ToolCallsExecuted   int64         `json:"toolCallsExecuted"`
	ToolExecutionTime   time.Duration `json:"toolExecutionTimeNs"`
}

// Session is the per-conversation aggregate root. Owned exclusively by
// the Orchestrator; the Transcription Aggregator holds only a weak
// reference (session id) and the Tool Dispatcher never retains one past
// a single call.
type Session struct {
	ID                 string
	QuestionnaireID    string
	Language           string
	VoiceID            string
	UserID             string
	StartedAt          time.Time
	LastActivityAt      time.Time
	Status             Status
	CurrentQuestionIdx int
	Answers            map[string]AnswerRecord
	History            []ConversationTurn
	UpstreamSessionID  string
	Metrics            Metrics
}

// NewSession constructs a fresh active session. now is injected so
// callers control the clock (no time.Now() inside library code paths
// that must stay deterministic for tests).
func NewSession(id, questionnaireID, language, voiceID, userID string, now time.Time) *Session {
	return &Session{
		ID:              id,
		QuestionnaireID: questionnaireID,
		Language:        language,
		VoiceID:         voiceID,
		UserID:          userID,
		StartedAt:       now,
		LastActivityAt:  now,
		Status:          StatusActive,
		Answers:         make(map[string]AnswerRecord),
	}
}

// Touch bumps LastActivityAt. Invariant: LastActivityAt >= StartedAt.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Transition moves status forward. Returns false without effect if the
// session is already in a terminal state (terminal-state monotonicity,
// spec invariant 7).
func (s *Session) Transition(to Status) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = to
	return true
}

// CompletionRate is answered / total questions, used by the post-session
// pipeline to decide completed vs abandoned.
func CompletionRate(answered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(answered) / float64(total)
}
