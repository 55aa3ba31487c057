// Package errcode enumerates the gateway's error taxonomy as a sum type.
//
// Every error the gateway can surface to a client or log internally is one
// of these variants. Recoverability is a property of the variant itself,
// not a boolean threaded separately through call sites.
package errcode

import "strings"

// Code identifies one variant of the gateway's error taxonomy.
type Code string

const (
	AuthFailed            Code = "AUTH_FAILED"
	RateLimited           Code = "RATE_LIMITED"
	StreamError           Code = "STREAM_ERROR"
	ToolTimeout           Code = "TOOL_TIMEOUT"
	ToolExecutionError    Code = "TOOL_EXECUTION_ERROR"
	InvalidParameters     Code = "INVALID_PARAMETERS"
	ToolNotFound          Code = "TOOL_NOT_FOUND"
	ToolCancelled         Code = "TOOL_CANCELLED"
	ConnectionFailed      Code = "CONNECTION_FAILED"
	InvalidMessage        Code = "INVALID_MESSAGE"
	SessionNotFound       Code = "SESSION_NOT_FOUND"
	SessionExpired        Code = "SESSION_EXPIRED"
	GoAway                Code = "GO_AWAY"
	ReconnectionExhausted Code = "GEMINI_RECONNECTION_FAILED"
	ValidationError       Code = "WS_VALIDATION_ERROR"
	InternalError         Code = "INTERNAL_ERROR"
	Unauthorized          Code = "UNAUTHORIZED"
	WSDisconnected        Code = "WS_DISCONNECTED"
	DBWriteFailed         Code = "DB_WRITE_FAILED"
	RateLimitExceeded     Code = "WS_RATE_LIMIT_EXCEEDED"
)

// Variant carries a code, its recoverability and a user-safe message
// constant. User-visible text is always a constant indexed by code; raw
// error detail never reaches this struct.
type Variant struct {
	Code        Code
	Recoverable bool
	Message     string
}

var registry = map[Code]Variant{
	AuthFailed:            {AuthFailed, false, "authentication failed"},
	RateLimited:           {RateLimited, true, "rate limited, retrying"},
	StreamError:           {StreamError, true, "stream error"},
	ToolTimeout:           {ToolTimeout, true, "tool call timed out"},
	ToolExecutionError:    {ToolExecutionError, true, "tool call failed"},
	InvalidParameters:     {InvalidParameters, false, "invalid tool parameters"},
	ToolNotFound:          {ToolNotFound, false, "unknown tool"},
	ToolCancelled:         {ToolCancelled, false, "tool call cancelled"},
	ConnectionFailed:      {ConnectionFailed, true, "connection failed"},
	InvalidMessage:        {InvalidMessage, false, "malformed message"},
	SessionNotFound:       {SessionNotFound, false, "session not found"},
	SessionExpired:        {SessionExpired, false, "session expired"},
	GoAway:                {GoAway, true, "upstream requested reconnect"},
	ReconnectionExhausted: {ReconnectionExhausted, false, "reconnection attempts exhausted"},
	ValidationError:       {ValidationError, false, "invalid event"},
	InternalError:         {InternalError, false, "internal error"},
	Unauthorized:          {Unauthorized, false, "unauthorized"},
	WSDisconnected:        {WSDisconnected, true, "disconnected"},
	DBWriteFailed:         {DBWriteFailed, true, "storage write failed"},
	RateLimitExceeded:     {RateLimitExceeded, true, "rate limit exceeded"},
}

// Lookup returns the Variant for a code, falling back to InternalError
// (non-recoverable) for unknown codes rather than panicking.
func Lookup(c Code) Variant {
	if v, ok := registry[c]; ok {
		return v
	}
	return registry[InternalError]
}

// Recoverable reports whether a code's canonical variant is recoverable.
func Recoverable(c Code) bool {
	return Lookup(c).Recoverable
}

// FromCloseCode maps a websocket close code to an error code, per the
// exhaustive substring/close-code taxonomy.
func FromCloseCode(closeCode int) Code {
	switch closeCode {
	case 1002, 1003:
		return InvalidMessage
	case 1009, 1011:
		return StreamError
	case 1001, 1012:
		return GoAway
	case 1013:
		return RateLimited
	default:
		return ConnectionFailed
	}
}

// FromText classifies an upstream error string using the substring
// mapping from the taxonomy table. Order matters: more specific
// substrings are checked first.
func FromText(s string) Code {
	for _, m := range textMatchers {
		if m.match(s) {
			return m.code
		}
	}
	return ConnectionFailed
}

type textMatcher struct {
	code  Code
	match func(string) bool
}

var textMatchers = []textMatcher{
	{AuthFailed, containsAny("auth", "401", "403")},
	{RateLimited, containsAny("rate limit", "429", "1013")},
	{ToolTimeout, containsAny("tool timeout")},
	{InvalidMessage, containsAny("parse", "malformed", "1002", "1003")},
	{SessionNotFound, containsAny("session not found", "expired")},
	{GoAway, containsAny("going away", "1001", "1012")},
	{StreamError, containsAny("stream", "eof", "reset", "1009", "1011")},
}

func containsAny(substrs ...string) func(string) bool {
	return func(s string) bool {
		lower := strings.ToLower(s)
		for _, sub := range substrs {
			if strings.Contains(lower, sub) {
				return true
			}
		}
		return false
	}
}
