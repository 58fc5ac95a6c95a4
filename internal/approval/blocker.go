// Package approval implements the one-shot blocker that suspends a hook
// request until a human decision, a timeout, or a cancellation arrives.
// Every registered request resolves exactly once; late resolutions are no-ops.
package approval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
)

// Default reasons attached to deny resolutions.
const (
	ReasonDenied       = "Denied by user"
	ReasonTimeout      = "Approval timed out"
	ReasonSessionEnded = "Session terminated"
	ReasonHookLost     = "Hook connection lost"
	ReasonShuttingDown = "Gateway shutting down"
)

// Decision is the outcome delivered to the blocked hook.
type Decision struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

type waiter struct {
	sessionID string
	ch        chan Decision
	timer     *time.Timer
}

// Blocker owns the pending-request map. It holds the live continuations;
// the store separately records that the requests were asked.
type Blocker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	logger  *logger.Logger
}

// NewBlocker creates an empty blocker.
func NewBlocker(log *logger.Logger) *Blocker {
	return &Blocker{
		waiters: make(map[string]*waiter),
		logger:  log.WithFields(zap.String("component", "approval-blocker")),
	}
}

// WaitForApproval registers a pending request and suspends the caller until
// it resolves. Resolution paths: Approve, Deny, CancelSession, the timeout
// timer, or ctx cancellation (resolved as deny with a hook-lost reason).
func (b *Blocker) WaitForApproval(ctx context.Context, requestID, sessionID string, timeout time.Duration) Decision {
	w := &waiter{
		sessionID: sessionID,
		ch:        make(chan Decision, 1),
	}

	b.mu.Lock()
	b.waiters[requestID] = w
	w.timer = time.AfterFunc(timeout, func() {
		b.resolve(requestID, Decision{Blocked: true, Reason: ReasonTimeout})
	})
	b.mu.Unlock()

	select {
	case d := <-w.ch:
		return d
	case <-ctx.Done():
		// The hook's transport went away before a decision arrived. Resolve
		// the entry so a late human action on the dead request is a no-op.
		if b.resolve(requestID, Decision{Blocked: true, Reason: ReasonHookLost}) {
			return Decision{Blocked: true, Reason: ReasonHookLost}
		}
		// Lost the race with another resolver; its decision is already queued.
		return <-w.ch
	}
}

// resolve delivers a decision exactly once. Returns false when the request
// is unknown or already resolved.
func (b *Blocker) resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	w, ok := b.waiters[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.waiters, requestID)
	w.timer.Stop()
	b.mu.Unlock()

	w.ch <- d
	return true
}

// Approve wakes the waiter with an unblocked decision. Returns whether a
// waiter was present.
func (b *Blocker) Approve(requestID string) bool {
	return b.resolve(requestID, Decision{Blocked: false})
}

// Deny wakes the waiter with a blocked decision. An empty reason defaults to
// "Denied by user".
func (b *Blocker) Deny(requestID, reason string) bool {
	if reason == "" {
		reason = ReasonDenied
	}
	return b.resolve(requestID, Decision{Blocked: true, Reason: reason})
}

// CancelSession denies every pending request belonging to a session.
func (b *Blocker) CancelSession(sessionID string) int {
	b.mu.Lock()
	var ids []string
	for id, w := range b.waiters {
		if w.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, Decision{Blocked: true, Reason: ReasonSessionEnded})
	}
	if len(ids) > 0 {
		b.logger.Debug("cancelled pending approvals",
			zap.String("session_id", sessionID), zap.Int("count", len(ids)))
	}
	return len(ids)
}

// IsPending reports whether a request is still awaiting resolution.
func (b *Blocker) IsPending(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[requestID]
	return ok
}

// Size returns the number of pending requests.
func (b *Blocker) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Shutdown denies every pending request. Called on graceful stop.
func (b *Blocker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.waiters))
	for id := range b.waiters {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, Decision{Blocked: true, Reason: ReasonShuttingDown})
	}
}
