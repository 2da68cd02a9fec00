// Package registry tracks the set of live sessions a running core is
// currently serving, so the Background Analyzer can skip a user who has an
// active_session instead of racing a live conversation.
package registry

import (
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/session"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// Entry is one tracked session: its controller plus the bookkeeping the
// Background Analyzer needs to decide whether to skip this user.
type Entry struct {
	UserID        string
	Controller    *session.Controller
	lastTurnEndAt time.Time
}

// Registry is the process-wide table of live and recently-active sessions,
// keyed by user id. A user may have at most one live session at a time in
// this core: a second connection replaces the first (the transport layer is
// responsible for closing the superseded Controller). An entry survives its
// connection closing so RecentlyFinishedTurn still has something to check
// during the Background Analyzer's recent-turn guard window.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) entryFor(userID string) *Entry {
	e, ok := r.entries[userID]
	if !ok {
		e = &Entry{UserID: userID}
		r.entries[userID] = e
	}
	return e
}

// Put registers a new live session for userID, closing and replacing any
// prior live Controller for the same user. Prior turn-end bookkeeping is
// preserved.
func (r *Registry) Put(userID string, ctrl *session.Controller) {
	r.mu.Lock()
	e := r.entryFor(userID)
	old := e.Controller
	e.Controller = ctrl
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Remove clears userID's live Controller if it still points at ctrl (a stale
// Remove from an already-superseded connection is a no-op). The entry itself
// stays, keyed by userID, so RecentlyFinishedTurn keeps working after the
// connection closes.
func (r *Registry) Remove(userID string, ctrl *session.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok && e.Controller == ctrl {
		e.Controller = nil
	}
}

// MarkTurnEnded records that userID just finished a Turn, used by the
// Background Analyzer's "had a turn finish <5s ago" skip condition.
func (r *Registry) MarkTurnEnded(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryFor(userID).lastTurnEndAt = time.Now()
}

// isActiveState reports whether state counts as an active session: anything
// but Idle. A connected-but-idle user must not block their own Background
// Analyzer pass.
func isActiveState(state orchestrator.SessionState) bool {
	return state != orchestrator.StateIdle
}

// IsActive reports whether userID currently has a live session in a non-Idle
// state (Recording, Finalizing, Generating, or Speaking). A connected but
// idle user is not active.
func (r *Registry) IsActive(userID string) bool {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok || e.Controller == nil {
		return false
	}
	return isActiveState(e.Controller.State())
}

// RecentlyFinishedTurn reports whether userID's last Turn ended within
// window, regardless of whether their session is still open.
func (r *Registry) RecentlyFinishedTurn(userID string, window time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok || e.lastTurnEndAt.IsZero() {
		return false
	}
	return time.Since(e.lastTurnEndAt) < window
}

// Len reports the number of currently live sessions (entries with an open
// Controller), not the total number of tracked users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Controller != nil {
			n++
		}
	}
	return n
}
