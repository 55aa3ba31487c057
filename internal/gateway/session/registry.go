package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// entry pairs a Session with its creation time and the orchestrator's
// cancel func (invoked by Remove), without the registry depending on
// the orchestrator's concrete types.
type entry struct {
	sess      *Session
	cancel    func()
	createdAt time.Time
}

// Registry is the process-wide map of active sessions, guarded for
// concurrent access per spec §5's shared-registry discipline. Grounded
// on internal/streaming/manager.go's StreamManager: double-checked
// locking create, periodic TTL sweep, metrics counters.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	metricsMu       sync.Mutex
	totalCreated    int64
	totalCompleted  int64

	logger *logger.Logger
	cron   *cron.Cron
}

// NewRegistry constructs an empty registry with an idle cron scheduler;
// StartSweep starts the TTL sweep (grounded on the teacher's unwired
// robfig/cron dependency, repurposed here rather than a hand-rolled
// ticker loop).
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		logger:   log.WithComponent("session-registry"),
		cron:     cron.New(),
	}
	return r
}

// StartSweep schedules a periodic eviction of terminal sessions whose
// age exceeds ttl. spec: the pattern a gateway needs to bound registry
// memory without disturbing active sessions.
func (r *Registry) StartSweep(spec string, ttl time.Duration) error {
	_, err := r.cron.AddFunc(spec, func() {
		r.sweep(ttl)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// StopSweep halts the cron scheduler.
func (r *Registry) StopSweep() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Registry) sweep(ttl time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.sessions {
		if e.sess.Status.Terminal() && now.Sub(e.createdAt) > ttl {
			delete(r.sessions, id)
			logCtx := logger.WithSessionID(context.Background(), id)
			r.logger.WithContext(logCtx).Info("session evicted from registry")
		}
	}
}

// Create registers a new session under double-checked locking, mirroring
// GetOrCreateSession's fast-path/slow-path shape. Returns false if a
// session with this id already exists.
func (r *Registry) Create(sess *Session, cancel func()) bool {
	r.mu.RLock()
	_, exists := r.sessions[sess.ID]
	r.mu.RUnlock()
	if exists {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		return false
	}
	r.sessions[sess.ID] = &entry{sess: sess, cancel: cancel, createdAt: time.Now()}

	r.metricsMu.Lock()
	r.totalCreated++
	r.metricsMu.Unlock()
	return true
}

// Get returns the session for an id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// MarkTerminal increments the completed-session counter. Every call
// counts, so the caller invokes it once per session when it reaches a
// terminal status; the session's own Transition enforces the
// monotonicity invariant.
func (r *Registry) MarkTerminal() {
	r.metricsMu.Lock()
	r.totalCompleted++
	r.metricsMu.Unlock()
}

// Remove deletes a session and invokes its cancel func, if any.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// Metrics is a snapshot of registry-wide counters.
type Metrics struct {
	Active         int
	TotalCreated   int64
	TotalCompleted int64
}

// GetMetrics returns a snapshot.
func (r *Registry) GetMetrics() Metrics {
	r.mu.RLock()
	active := len(r.sessions)
	r.mu.RUnlock()

	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	return Metrics{Active: active, TotalCreated: r.totalCreated, TotalCompleted: r.totalCompleted}
}
