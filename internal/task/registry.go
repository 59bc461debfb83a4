package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Token is the two-part cancellation signal for one task: a pollable flag
// checked inside progress callbacks and polling loops, and a context cancel
// that unwinds blocking calls and subprocesses. Cancel always sets both.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	flag   atomic.Bool
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context is cancelled together with the flag; pass it to every blocking
// call and subprocess owned by the task.
func (t *Token) Context() context.Context { return t.ctx }

// Cancelled reports the pollable half of the signal.
func (t *Token) Cancelled() bool { return t.flag.Load() }

// Cancel sets the flag and cancels the context as one operation.
func (t *Token) Cancel() {
	t.flag.Store(true)
	t.cancel()
}

// Release cancels the context without marking the task cancelled; called when
// the task finishes so no goroutines leak.
func (t *Token) release() { t.cancel() }

// Registry enforces the single-active-task-per-requester invariant and owns
// the cancellation tokens. A second Begin for the same requester is rejected,
// never superseded, so a snapshot key always has exactly one writer.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Token
	baseCtx context.Context
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Token), baseCtx: context.Background()}
}

// SetBaseContext sets the parent context for new tokens. Intended to be set
// at process startup and cancelled during shutdown.
func (r *Registry) SetBaseContext(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

// Begin registers a new active task, or returns ErrTaskActive.
func (r *Registry) Begin(requesterID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[requesterID]; exists {
		return nil, ErrTaskActive
	}
	tok := newToken(r.baseCtx)
	r.active[requesterID] = tok
	return tok, nil
}

// Cancel fires both halves of the signal for the requester's task. Reports
// false, without error, when no task is active.
func (r *Registry) Cancel(requesterID string) bool {
	r.mu.Lock()
	tok, ok := r.active[requesterID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Finish removes the task if tok still owns the slot.
func (r *Registry) Finish(requesterID string, tok *Token) {
	r.mu.Lock()
	if cur, ok := r.active[requesterID]; ok && cur == tok {
		delete(r.active, requesterID)
	}
	r.mu.Unlock()
	tok.release()
}

// WaitAll blocks until every active task has finished or ctx expires.
// Reports whether the registry drained in time.
func (r *Registry) WaitAll(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		n := len(r.active)
		r.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Active reports whether the requester has an in-flight task.
func (r *Registry) Active(requesterID string) bool {
	r.mu.Lock()
	_, ok := r.active[requesterID]
	r.mu.Unlock()
	return ok
}
