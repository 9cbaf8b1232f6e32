package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks which loop currently owns which user, plus every loop's
// progress for the status endpoint.
type Registry struct {
	mu     sync.Mutex
	claims map[string]int
	// backoff holds users whose last run failed, until the given time.
	backoff map[string]time.Time
	loops   []*Loop
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{claims: make(map[string]int), backoff: make(map[string]time.Time)}
}

// TryClaim assigns userID to loopID unless another loop holds it. The check
// and the assignment happen under one lock.
func (r *Registry) TryClaim(userID string, loopID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claims[userID]; ok && owner != loopID {
		return false
	}
	r.claims[userID] = loopID
	return true
}

// Release drops the claim held by loopID on userID.
func (r *Registry) Release(userID string, loopID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claims[userID]; ok && owner == loopID {
		delete(r.claims, userID)
	}
}

// Owner returns the loop holding userID.
func (r *Registry) Owner(userID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.claims[userID]
	return id, ok
}

// Defer keeps userID out of selection until the given time.
func (r *Registry) Defer(userID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff[userID] = until
}

// Deferred returns the users still backing off at now, sorted, and forgets
// expired entries.
func (r *Registry) Deferred(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, until := range r.backoff {
		if !now.Before(until) {
			delete(r.backoff, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) register(l *Loop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops = append(r.loops, l)
}

// LoopStatus is one loop's view in a status snapshot.
type LoopStatus struct {
	ID        int        `json:"id"`
	Pool      Pool       `json:"pool"`
	Tier      string     `json:"tier,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Completed int64      `json:"completed"`
	Failed    int64      `json:"failed"`
}

// Status aggregates every loop's counters at the time of the call.
type Status struct {
	Owner     string       `json:"owner"`
	Stopping  bool         `json:"stopping"`
	Active    int          `json:"active"`
	Completed int64        `json:"completed"`
	Failed    int64        `json:"failed"`
	Loops     []LoopStatus `json:"loops"`
}

// Snapshot collects the loops' current state.
func (r *Registry) Snapshot() Status {
	r.mu.Lock()
	loops := append([]*Loop(nil), r.loops...)
	r.mu.Unlock()

	st := Status{Loops: make([]LoopStatus, 0, len(loops))}
	for _, l := range loops {
		ls := l.status()
		if ls.UserID != "" {
			st.Active++
		}
		st.Completed += ls.Completed
		st.Failed += ls.Failed
		st.Loops = append(st.Loops, ls)
	}
	sort.Slice(st.Loops, func(i, j int) bool { return st.Loops[i].ID < st.Loops[j].ID })
	return st
}
