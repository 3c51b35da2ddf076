// Package gate provides per-actor mutual exclusion for event processing.
// Events for the same actor run strictly in arrival order; events for
// distinct actors run concurrently.
package gate

import (
	"log/slog"
	"sync"
	"time"
)

// gate is a FIFO-fair ticket lock. Waiters acquire in the order they asked.
type gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
	// waiters counts tickets issued but not yet released, including the
	// one currently being served.
	waiters  int
	lastUsed time.Time
}

func newGate() *gate {
	g := &gate{lastUsed: time.Now()}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) acquire() {
	g.mu.Lock()
	ticket := g.next
	g.next++
	g.waiters++
	for g.serving != ticket {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *gate) release() {
	g.mu.Lock()
	g.serving++
	g.waiters--
	g.lastUsed = time.Now()
	g.mu.Unlock()
	g.cond.Broadcast()
}

// idle reports whether the gate has no holder and no queued waiters and has
// been unused for at least ttl.
func (g *gate) idle(ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters == 0 && time.Since(g.lastUsed) >= ttl
}

// Registry keys gates by actor ID. Gates are created lazily on first sight
// of an actor and evicted by a background sweeper once idle, so the registry
// is sized to concurrent actors rather than lifetime actors.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// NewRegistry creates an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*gate)}
}

// Do runs fn while holding the exclusive gate for actorID. Two calls with
// the same actorID execute strictly in the order Do was entered. The gate is
// released even when fn returns an error; the error is passed through
// unretried.
func (r *Registry) Do(actorID string, fn func() error) error {
	g := r.acquireFor(actorID)
	defer g.release()
	return fn()
}

// acquireFor acquires the live gate for actorID. If the sweeper evicted the
// gate between lookup and acquire, the acquisition is retried against the
// replacement so two holders can never coexist for one actor.
func (r *Registry) acquireFor(actorID string) *gate {
	for {
		g := r.lookup(actorID)
		g.acquire()
		if r.current(actorID) == g {
			return g
		}
		g.release()
	}
}

func (r *Registry) lookup(actorID string) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[actorID]
	if !ok {
		g = newGate()
		r.gates[actorID] = g
	}
	return g
}

func (r *Registry) current(actorID string) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gates[actorID]
}

// Len returns the number of live gates, for observability and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// sweep drops gates that have been idle for at least ttl. acquireFor
// re-checks registry membership after acquiring, so an eviction that races
// with a lookup cannot produce two live gates serving the same actor.
func (r *Registry) sweep(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, g := range r.gates {
		if g.idle(ttl) {
			delete(r.gates, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs a background goroutine that periodically evicts idle
// gates until done is closed.
func (r *Registry) StartSweeper(done <-chan struct{}, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.sweep(ttl); n > 0 {
					slog.Debug("gate sweeper evicted idle gates", "count", n)
				}
			case <-done:
				return
			}
		}
	}()
}
