// ABOUTME: Pending permission waiters keyed by tool-call id.
// ABOUTME: Each waiter gets at most one decision; late or unknown decisions are ignored.

package toolbridge

import (
	"context"
	"sync"
	"time"
)

// Wait outcomes, also used as metric labels.
const (
	outcomeAllowed   = "allowed"
	outcomeDenied    = "denied"
	outcomeTimeout   = "timeout"
	outcomeClosed    = "closed"
	outcomeCancelled = "cancelled"
)

type waiter struct {
	sessionID string
	decision  chan bool
}

type approvals struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	closed  bool
}

func newApprovals() *approvals {
	return &approvals{waiters: make(map[string]*waiter)}
}

// register adds a waiter for callID. It fails if one already exists or the
// table is shut down.
func (a *approvals) register(sessionID, callID string) (*waiter, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false
	}
	if _, ok := a.waiters[callID]; ok {
		return nil, false
	}
	w := &waiter{sessionID: sessionID, decision: make(chan bool, 1)}
	a.waiters[callID] = w
	return w, true
}

func (a *approvals) remove(callID string, w *waiter) {
	a.mu.Lock()
	if a.waiters[callID] == w {
		delete(a.waiters, callID)
	}
	a.mu.Unlock()
}

// decide delivers a decision to the waiter for callID. The waiter is removed
// on delivery so a second decision finds nothing.
func (a *approvals) decide(sessionID, callID string, allowed bool) bool {
	a.mu.Lock()
	w, ok := a.waiters[callID]
	if !ok || w.sessionID != sessionID {
		a.mu.Unlock()
		return false
	}
	delete(a.waiters, callID)
	a.mu.Unlock()

	w.decision <- allowed
	return true
}

// wait blocks until a decision, the timeout, session end or ctx. Anything but
// an explicit allow is a denial.
func (a *approvals) wait(ctx context.Context, callID string, w *waiter, timeout time.Duration, sessionDone <-chan struct{}) (bool, string) {
	defer a.remove(callID, w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case allowed, ok := <-w.decision:
		if !ok {
			return false, outcomeClosed
		}
		if allowed {
			return true, outcomeAllowed
		}
		return false, outcomeDenied
	case <-timer.C:
		return false, outcomeTimeout
	case <-sessionDone:
		return false, outcomeClosed
	case <-ctx.Done():
		return false, outcomeCancelled
	}
}

// pending returns the number of waiting calls.
func (a *approvals) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

// failAll denies every waiter and refuses new ones.
func (a *approvals) failAll() int {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = make(map[string]*waiter)
	a.closed = true
	a.mu.Unlock()

	for _, w := range waiters {
		close(w.decision)
	}
	return len(waiters)
}
