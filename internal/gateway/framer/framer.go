// Package framer provides pure, side-effect-free constructors and
// parsers for the frames exchanged with the upstream speech model.
//
// Field naming decision (recorded, not guessed): this package uses
// camelCase field names throughout, matching the casing already used by
// the rest of this codebase's JSON wire types and by spec.md's own
// client-facing event table. A snake_case variant was considered and
// rejected; see SPEC_FULL.md §4.2 for the full rationale.
package framer

import "encoding/json"

// SetupFrame is the first frame sent on socket open.
type SetupFrame struct {
	Model               string               `json:"model"`
	GenerationConfig     GenerationConfig     `json:"generationConfig"`
	SystemInstruction    string               `json:"systemInstruction"`
	InputTranscription   bool                 `json:"inputAudioTranscription"`
	OutputTranscription  bool                 `json:"outputAudioTranscription"`
	VADConfig            VADConfig            `json:"realtimeInputConfig"`
	FunctionDeclarations []FunctionDecl       `json:"functionDeclarations,omitempty"`
}

// GenerationConfig carries response-modality and voice selection.
type GenerationConfig struct {
	ResponseModalities []string   `json:"responseModalities"`
	SpeechConfig       SpeechCfg  `json:"speechConfig"`
}

// SpeechCfg selects the canonical voice by name.
type SpeechCfg struct {
	VoiceName string `json:"voiceName"`
}

// VADConfig is the voice-activity-detection tuning sent in setup.
type VADConfig struct {
	StartSensitivity      string `json:"startOfSpeechSensitivity"`
	EndSensitivity        string `json:"endOfSpeechSensitivity"`
	PrefixPaddingMs       int    `json:"prefixPaddingMs"`
	SilenceDurationMs     int    `json:"silenceDurationMs"`
	InterruptsOnActivity  bool   `json:"activityHandling"`
}

// FunctionDecl is one tool function declaration advertised upstream.
type FunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// BuildSetupFrame constructs the setup frame sent immediately after
// socket open.
func BuildSetupFrame(model, voiceName, systemInstruction string, vad VADConfig, fns []FunctionDecl) SetupFrame {
	return SetupFrame{
		Model: model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       SpeechCfg{VoiceName: voiceName},
		},
		SystemInstruction:    systemInstruction,
		InputTranscription:   true,
		OutputTranscription:  true,
		VADConfig:            vad,
		FunctionDeclarations: fns,
	}
}

// Marshal serializes any frame type to its wire JSON form.
func Marshal(frame interface{}) ([]byte, error) {
	return json.Marshal(frame)
}

// ParseSetupFrame parses wire bytes back into a SetupFrame. Unknown
// fields are tolerated (encoding/json ignores them by default),
// satisfying the framer's round-trip and tolerance guarantees.
func ParseSetupFrame(data []byte) (SetupFrame, error) {
	var f SetupFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// AudioChunkFrame carries one PCM chunk, mime-typed per the protocol.
type AudioChunkFrame struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// BuildAudioChunkFrame wraps a raw PCM payload (16kHz mono 16-bit) for
// outbound send.
func BuildAudioChunkFrame(payload []byte) AudioChunkFrame {
	return AudioChunkFrame{MimeType: "audio/pcm;rate=16000", Data: payload}
}

// ParseAudioChunkFrame parses wire bytes into an AudioChunkFrame.
func ParseAudioChunkFrame(data []byte) (AudioChunkFrame, error) {
	var f AudioChunkFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// ToolResponseFrame carries one tool call's result back upstream.
type ToolResponseFrame struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// FunctionResponse is a single tool call's result or sanitized error.
type FunctionResponse struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// BuildToolResponseFrame wraps one or more function responses.
func BuildToolResponseFrame(responses ...FunctionResponse) ToolResponseFrame {
	return ToolResponseFrame{FunctionResponses: responses}
}

// ParseToolResponseFrame parses wire bytes into a ToolResponseFrame.
func ParseToolResponseFrame(data []byte) (ToolResponseFrame, error) {
	var f ToolResponseFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// TextTurnFrame sends a plain text user turn upstream (used once, to
// kick off the conversation after setupComplete).
type TextTurnFrame struct {
	Turns []TextTurnPart `json:"turns"`
	TurnComplete bool    `json:"turnComplete"`
}

// TextTurnPart is one role/text pair within a text turn.
type TextTurnPart struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// BuildTextTurnFrame builds a single-part text turn, always marked
// turn-complete (the gateway only ever sends one synthetic kickoff
// turn, never a multi-part conversation on this path).
func BuildTextTurnFrame(role, text string) TextTurnFrame {
	return TextTurnFrame{
		Turns:        []TextTurnPart{{Role: role, Text: text}},
		TurnComplete: true,
	}
}

// ParseTextTurnFrame parses wire bytes into a TextTurnFrame.
func ParseTextTurnFrame(data []byte) (TextTurnFrame, error) {
	var f TextTurnFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// ServerEvent is the envelope for every inbound event from the model,
// decoded permissively: only the fields relevant to a given event kind
// are populated, everything else in the raw frame is ignored.
type ServerEvent struct {
	SetupComplete        *SetupCompleteEvent        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContentEvent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCallEvent             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellationEvent `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAwayEvent               `json:"goAway,omitempty"`
}

// SetupCompleteEvent carries the upstream-assigned session id.
type SetupCompleteEvent struct {
	SessionID string `json:"sessionId"`
}

// ServerContentEvent may carry model-turn audio, transcription
// fragments, and turn-state flags.
type ServerContentEvent struct {
	ModelTurn           *ModelTurn `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	Interrupted         bool       `json:"interrupted,omitempty"`
	TurnComplete        bool       `json:"turnComplete,omitempty"`
}

// ModelTurn carries one or more inline-audio parts.
type ModelTurn struct {
	Parts []ModelTurnPart `json:"parts"`
}

// ModelTurnPart is one inline-data audio part.
type ModelTurnPart struct {
	InlineData InlineData `json:"inlineData"`
}

// InlineData is a base64-style opaque payload plus mime type.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Transcription carries a text fragment for either side of the turn.
type Transcription struct {
	Text string `json:"text"`
}

// ToolCallEvent carries the list of pending function calls.
type ToolCallEvent struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one upstream-issued tool invocation.
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolCallCancellationEvent lists call ids to abort.
type ToolCallCancellationEvent struct {
	IDs []string `json:"ids"`
}

// GoAwayEvent carries the grace duration before forced disconnect.
type GoAwayEvent struct {
	TimeLeftMs int64 `json:"timeLeft"`
}

// ParseServerEvent decodes one inbound frame into a ServerEvent. Fields
// absent from the wire payload are simply left nil/zero; unknown extra
// fields in the payload are ignored.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
