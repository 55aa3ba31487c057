package errcode

import "testing"

func TestLookupKnownCode(t *testing.T) {
	v := Lookup(RateLimited)
	if v.Code != RateLimited || !v.Recoverable || v.Message == "" {
		t.Fatalf("unexpected variant for RateLimited: %+v", v)
	}
}

func TestLookupUnknownCodeFallsBackToInternalError(t *testing.T) {
	v := Lookup(Code("not-a-real-code"))
	if v.Code != InternalError {
		t.Fatalf("expected fallback to InternalError, got %v", v.Code)
	}
}

func TestRecoverableMatchesRegistry(t *testing.T) {
	cases := map[Code]bool{
		AuthFailed:        false,
		RateLimited:       true,
		ToolNotFound:      false,
		ConnectionFailed:  true,
		SessionExpired:    false,
	}
	for code, want := range cases {
		if got := Recoverable(code); got != want {
			t.Errorf("Recoverable(%v) = %v, want %v", code, got, want)
		}
	}
}

func TestFromCloseCode(t *testing.T) {
	cases := map[int]Code{
		1002: InvalidMessage,
		1003: InvalidMessage,
		1009: StreamError,
		1011: StreamError,
		1001: GoAway,
		1012: GoAway,
		1013: RateLimited,
		9999: ConnectionFailed,
	}
	for closeCode, want := range cases {
		if got := FromCloseCode(closeCode); got != want {
			t.Errorf("FromCloseCode(%d) = %v, want %v", closeCode, got, want)
		}
	}
}

func TestFromTextOrderingPrefersMoreSpecificMatch(t *testing.T) {
	if got := FromText("request failed: 401 unauthorized"); got != AuthFailed {
		t.Errorf("expected AuthFailed, got %v", got)
	}
	if got := FromText("upstream closed: going away (1001)"); got != GoAway {
		t.Errorf("expected GoAway, got %v", got)
	}
	if got := FromText("completely unrecognized failure"); got != ConnectionFailed {
		t.Errorf("expected ConnectionFailed fallback, got %v", got)
	}
}

func TestFromTextCaseInsensitive(t *testing.T) {
	if got := FromText("RATE LIMIT EXCEEDED"); got != RateLimited {
		t.Errorf("expected RateLimited, got %v", got)
	}
}
