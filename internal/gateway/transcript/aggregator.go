// Package transcript deduplicates and orders user/assistant transcript
// fragments, maintains a per-session conversation log, and persists
// turns without blocking the session's hot path on storage.
//
// Grounded on internal/messaging/service.go's buffered-channel,
// worker-pool persistence pattern: a write failure here is logged and
// swallowed, never propagated back to the caller.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// TurnStore persists a single conversation turn. Implementations (e.g.
// Firestore-backed) must not block the caller for long; Aggregator
// already runs the call off the hot path on a worker pool.
type TurnStore interface {
	StoreTurn(ctx context.Context, sessionID string, turnNumber int, turn session.ConversationTurn) error
}

// NoopStore discards every turn. Used when no persistence backend is
// configured; History/Stats still work since those are in-memory.
type NoopStore struct{}

func (NoopStore) StoreTurn(ctx context.Context, sessionID string, turnNumber int, turn session.ConversationTurn) error {
	return nil
}

// state is the per-session aggregation state: turn-number, ordered
// history, and the last fragment seen per side (dedup is against the
// last fragment only, per the recorded open-question decision — this
// is not extended to a sliding window).
type state struct {
	mu              sync.Mutex
	turnNumber      int
	history         []session.ConversationTurn
	lastUserText    string
	lastAssistantText string
}

// Aggregator owns per-session aggregation state and a bounded worker
// pool for fire-and-forget persistence.
type Aggregator struct {
	store  TurnStore
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*state

	jobs chan persistJob
	wg   sync.WaitGroup
}

type persistJob struct {
	sessionID  string
	turnNumber int
	turn       session.ConversationTurn
}

const (
	workerCount = 4
	queueDepth  = 1024
)

// New constructs an Aggregator backed by store, starting its
// persistence worker pool immediately.
func New(store TurnStore, log *logger.Logger) *Aggregator {
	a := &Aggregator{
		store:    store,
		logger:   log,
		sessions: make(map[string]*state),
		jobs:     make(chan persistJob, queueDepth),
	}
	for i := 0; i < workerCount; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// worker drains jobs until the channel is closed and emptied, so a
// Shutdown call flushes every already-queued turn before returning.
func (a *Aggregator) worker() {
	defer a.wg.Done()
	for job := range a.jobs {
		a.persist(job)
	}
}

func (a *Aggregator) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.StoreTurn(ctx, job.sessionID, job.turnNumber, job.turn); err != nil {
		logCtx := logger.WithSessionID(ctx, job.sessionID)
		a.logger.WithComponent("transcript").WithContext(logCtx).Error("turn persistence failed",
			slog.Int("turn_number", job.turnNumber),
			slog.String("error", err.Error()))
	}
}

func (a *Aggregator) sessionState(sessionID string) *state {
	a.mu.RLock()
	st, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if ok {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.sessions[sessionID]; ok {
		return st
	}
	st = &state{}
	a.sessions[sessionID] = st
	return st
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func (a *Aggregator) enqueuePersist(sessionID string, turnNumber int, turn session.ConversationTurn) {
	select {
	case a.jobs <- persistJob{sessionID, turnNumber, turn}:
	default:
		logCtx := logger.WithSessionID(context.Background(), sessionID)
		a.logger.WithComponent("transcript").WithContext(logCtx).Warn("persistence queue full, dropping turn")
	}
}

// HandleInput records a user transcript fragment. Empty/whitespace text
// and consecutive duplicates of the last user fragment are rejected.
// On acceptance the turn number increments and persistence is enqueued
// without blocking. Returns false if the fragment was rejected.
func (a *Aggregator) HandleInput(sessionID, text string, now time.Time) bool {
	if isBlank(text) {
		return false
	}
	st := a.sessionState(sessionID)
	st.mu.Lock()
	if text == st.lastUserText {
		st.mu.Unlock()
		return false
	}
	st.turnNumber++
	turnNumber := st.turnNumber
	turn := session.ConversationTurn{Speaker: session.SpeakerUser, Text: text, Timestamp: now, IsFinal: true}
	st.history = append(st.history, turn)
	st.lastUserText = text
	st.mu.Unlock()

	a.enqueuePersist(sessionID, turnNumber, turn)
	return true
}

// HandleOutput records an assistant transcript fragment. Same
// duplicate/blank rejection policy as HandleInput, but does not
// increment the turn number — output fragments are tied to the most
// recent question, not a new turn.
func (a *Aggregator) HandleOutput(sessionID, text string, now time.Time) bool {
	if isBlank(text) {
		return false
	}
	st := a.sessionState(sessionID)
	st.mu.Lock()
	if text == st.lastAssistantText {
		st.mu.Unlock()
		return false
	}
	turnNumber := st.turnNumber
	turn := session.ConversationTurn{Speaker: session.SpeakerAssistant, Text: text, Timestamp: now, IsFinal: true}
	st.history = append(st.history, turn)
	st.lastAssistantText = text
	st.mu.Unlock()

	a.enqueuePersist(sessionID, turnNumber, turn)
	return true
}

// History returns a copy of the session's ordered conversation log.
func (a *Aggregator) History(sessionID string) []session.ConversationTurn {
	st := a.sessionState(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]session.ConversationTurn, len(st.history))
	copy(out, st.history)
	return out
}

// Stats is a read-only snapshot of aggregation counters for a session.
type Stats struct {
	TurnNumber  int
	HistoryLen  int
}

// Stats returns current aggregation counters for a session.
func (a *Aggregator) Stats(sessionID string) Stats {
	st := a.sessionState(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{TurnNumber: st.turnNumber, HistoryLen: len(st.history)}
}

// Cleanup drops all aggregation state for a session. Called once the
// session terminates.
func (a *Aggregator) Cleanup(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// Shutdown stops accepting new persistence jobs and drains the queue,
// mirroring the teacher's worker-pool shutdown pattern.
func (a *Aggregator) Shutdown() {
	close(a.jobs)
	a.wg.Wait()
}
