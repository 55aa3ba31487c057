// Package token holds a cached bearer credential for the upstream
// speech model, refreshing it when within a safety window of expiry,
// and emits auth-failure events rather than panicking or silently
// retrying forever.
//
// Grounded on internal/auth/jwt_validator.go's refresh-on-miss pattern
// and internal/streaming/session.go's requestMu-guarded mutable
// credential fields, generalized into a standalone, injectable
// component per the "singleton -> explicit state" design note.
package token

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FailureKind classifies an acquisition failure as recoverable
// (transient network) or not (credential rejection).
type FailureKind int

const (
	Recoverable FailureKind = iota
	NonRecoverable
)

// AuthFailure is emitted whenever a fetch fails.
type AuthFailure struct {
	ErrorCode   string
	Message     string
	SessionID   string
	Recoverable bool
	Timestamp   time.Time
}

// defaultExpiry is assumed when the identity provider returns no
// expiry (spec §4.1: "assume 1 hour").
const defaultExpiry = time.Hour

// defaultRefreshWindow is the safety margin before expiry that
// triggers a refresh.
const defaultRefreshWindow = 5 * time.Minute

// Provider caches a bearer credential fetched from an
// oauth2.TokenSource, refreshing it under a single-flight guard so
// concurrent Acquire calls during expiry never trigger duplicate
// fetches.
type Provider struct {
	source        oauth2.TokenSource
	refreshWindow time.Duration
	onFailure     func(AuthFailure)

	mu      sync.Mutex
	cached  *oauth2.Token
	inFlight chan struct{} // non-nil while a refresh is in progress
}

// New constructs a Provider. onFailure may be nil.
func New(source oauth2.TokenSource, refreshWindow time.Duration, onFailure func(AuthFailure)) *Provider {
	if refreshWindow <= 0 {
		refreshWindow = defaultRefreshWindow
	}
	return &Provider{source: source, refreshWindow: refreshWindow, onFailure: onFailure}
}

// Acquire returns a valid bearer token, fetching or refreshing as
// needed. A cached token is reused if its remaining validity exceeds
// the refresh window.
func (p *Provider) Acquire(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	if p.cached != nil && time.Until(p.expiry(p.cached)) > p.refreshWindow {
		tok := p.cached
		p.mu.Unlock()
		return tok, nil
	}
	// Single-flight: if a refresh is already running, wait for it.
	if p.inFlight != nil {
		ch := p.inFlight
		p.mu.Unlock()
		<-ch
		return p.Acquire(ctx)
	}
	ch := make(chan struct{})
	p.inFlight = ch
	p.mu.Unlock()

	tok, err := p.fetch(ctx)

	p.mu.Lock()
	p.inFlight = nil
	if err == nil {
		p.cached = tok
	}
	p.mu.Unlock()
	close(ch)

	return tok, err
}

// Refresh forces a fetch regardless of the cached token's validity.
func (p *Provider) Refresh(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
	return p.Acquire(ctx)
}

// AuthorizationHeader returns the header value for the current
// credential, scheme plus token.
func (p *Provider) AuthorizationHeader(ctx context.Context) (string, error) {
	tok, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	return tok.Type() + " " + tok.AccessToken, nil
}

func (p *Provider) expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return time.Now().Add(defaultExpiry)
	}
	return tok.Expiry
}

func (p *Provider) fetch(ctx context.Context) (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		kind := classifyFailure(err)
		if p.onFailure != nil {
			p.onFailure(AuthFailure{
				ErrorCode:   "AUTH_FAILED",
				Message:     err.Error(),
				Recoverable: kind == Recoverable,
				Timestamp:   time.Now(),
			})
		}
		return nil, err
	}
	return tok, nil
}

// classifyFailure decides recoverable vs non-recoverable for a token
// fetch error. oauth2 wraps HTTP-level errors without a structured
// status in all cases, so this is a conservative default: anything not
// explicitly a credential-rejection message is treated as transient.
func classifyFailure(err error) FailureKind {
	if err == nil {
		return Recoverable
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "403", "401"} {
		if strings.Contains(msg, needle) {
			return NonRecoverable
		}
	}
	return Recoverable
}
