// Package tooldispatch validates tool-call arguments against a bounded
// schema dialect, runs registered handlers with a per-call deadline,
// and converts results into the upstream response shape — honoring
// upstream-issued cancellation.
//
// Grounded on internal/streaming/tool_executor.go's per-call goroutine
// dispatch and real-time notification callback, generalized from the
// chat-completions tool loop to the voice gateway's call shape.
package tooldispatch

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Acsight/voiceter-gateway/internal/gateway/errcode"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// Result is the outcome of one dispatched call, in the shape the
// framer converts into an upstream FunctionResponse.
type Result struct {
	CallID   string
	Name     string
	Response map[string]interface{}
	Code     errcode.Code // zero value means success
	Err      error
}

// Dispatcher runs registered tool handlers against upstream-issued
// calls with per-call timeout and cancellation.
type Dispatcher struct {
	registry *Registry
	logger   *logger.Logger
	timeout  time.Duration

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc // call id -> cancel, for in-flight calls
}

// New constructs a Dispatcher with the given per-call timeout default.
func New(registry *Registry, log *logger.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		logger:    log.WithComponent("tool-dispatcher"),
		timeout:   timeout,
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Dispatch runs one tool call to completion (success, timeout, error,
// or not-found) and returns its result. Safe to call concurrently for
// distinct call ids; callers typically fan this out per spec §5's
// "tools may execute concurrently within a session".
func (d *Dispatcher) Dispatch(ctx context.Context, callID, name string, args map[string]interface{}) Result {
	reg, ok := d.registry.lookup(name)
	if !ok {
		return Result{CallID: callID, Name: name, Code: errcode.ToolNotFound, Err: errNotFound(name)}
	}

	if err := reg.dialect.Validate(args); err != nil {
		return Result{CallID: callID, Name: name, Code: errcode.InvalidParameters, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	d.mu.Lock()
	d.cancelFns[callID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancelFns, callID)
		d.mu.Unlock()
		cancel()
	}()

	type outcome struct {
		resp map[string]interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, panicError(r)}
			}
		}()
		resp, err := reg.handler(callCtx, args)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if callCtx.Err() == context.Canceled {
				return Result{CallID: callID, Name: name, Code: errcode.ToolCancelled}
			}
			return Result{
				CallID:   callID,
				Name:     name,
				Code:     errcode.ToolExecutionError,
				Response: map[string]interface{}{"error": Sanitize(out.err.Error()), "success": false},
				Err:      out.err,
			}
		}
		return Result{CallID: callID, Name: name, Response: out.resp}
	case <-callCtx.Done():
		if callCtx.Err() == context.Canceled {
			return Result{CallID: callID, Name: name, Code: errcode.ToolCancelled}
		}
		d.logger.Warn("tool call timed out", slog.String("call_id", callID), slog.String("tool", name))
		return Result{
			CallID:   callID,
			Name:     name,
			Code:     errcode.ToolTimeout,
			Response: map[string]interface{}{"error": "tool call timed out", "success": false},
			Err:      callCtx.Err(),
		}
	}
}

// Declarations returns the registered tool declarations, for the
// Orchestrator to convert into the upstream setup frame's function
// declarations list.
func (d *Dispatcher) Declarations() []mcp.Tool {
	return d.registry.Declarations()
}

// Cancel aborts an in-flight call by id. Calls for ids not currently
// in flight are no-ops — the upstream cancellation list may race with
// natural completion.
func (d *Dispatcher) Cancel(callID string) {
	d.mu.Lock()
	cancel, ok := d.cancelFns[callID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll aborts every call in a given id list, used when the
// upstream sends a toolCallCancellation event.
func (d *Dispatcher) CancelAll(callIDs []string) {
	for _, id := range callIDs {
		d.Cancel(id)
	}
}

var (
	pathLike  = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[\w./-]+`)
	stackLine = regexp.MustCompile(`(?m)^\s*at .+$`)
	goFrame   = regexp.MustCompile(`\.go:\d+`)
)

// Sanitize strips file paths, stack frames, source positions and
// internal module references from error text, truncates to ~200 chars,
// and substitutes a generic fallback if nothing is left.
func Sanitize(msg string) string {
	s := stackLine.ReplaceAllString(msg, "")
	s = goFrame.ReplaceAllString(s, "")
	s = pathLike.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "an internal error occurred"
	}
	return s
}

func errNotFound(name string) error {
	return &dispatchError{"unknown tool: " + name}
}

func panicError(r interface{}) error {
	return &dispatchError{"tool handler panicked"}
}

type dispatchError struct{ msg string }

func (e *dispatchError) Error() string { return e.msg }
