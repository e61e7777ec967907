package fleet

import (
	"errors"
	"sync"
	"time"

	"github.com/relaybothq/relaybot/internal/transport"
)

// ErrAlreadyRunning is returned by Put when the tenant already has an entry.
// Refusing the insert is what guarantees at most one listener per tenant when
// a reconcile pass races a manual activation.
var ErrAlreadyRunning = errors.New("fleet: tenant listener already registered")

// State is the observed condition of one tenant's listener.
type State string

const (
	// StateRunning means the listener is up and receiving events.
	StateRunning State = "running"
	// StateStopped means the listener went down and a restart is pending.
	StateStopped State = "stopped"
	// StateDegraded means the tenant exhausted its restart budget and is
	// parked until an operator intervenes.
	StateDegraded State = "degraded"
)

// Handle is a point-in-time copy of one registry entry. Conn is nil when the
// listener is not currently up.
type Handle struct {
	TenantID  int64
	Conn      transport.Conn
	State     State
	Failures  int
	StartedAt time.Time
}

type entry struct {
	conn      transport.Conn
	state     State
	failures  int
	startedAt time.Time
}

// Registry is the authoritative observed-state map of running tenant
// listeners. Only the Supervisor writes to it; locks are held only to mutate
// the map, never across I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[int64]*entry{}}
}

// Put registers a freshly started listener. It refuses to replace an
// existing entry, whatever its state.
func (r *Registry) Put(tenantID int64, conn transport.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tenantID]; ok {
		return ErrAlreadyRunning
	}
	r.entries[tenantID] = &entry{
		conn:      conn,
		state:     StateRunning,
		startedAt: time.Now(),
	}
	return nil
}

// Get returns a copy of the tenant's entry.
func (r *Registry) Get(tenantID int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	if !ok {
		return Handle{}, false
	}
	return handleOf(tenantID, e), true
}

// Sender exposes the tenant's live connection for outbound delivery.
func (r *Registry) Sender(tenantID int64) (transport.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Remove deletes the tenant's entry, if any.
func (r *Registry) Remove(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, tenantID)
}

// List returns a snapshot of every entry.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Handle, 0, len(r.entries))
	for id, e := range r.entries {
		items = append(items, handleOf(id, e))
	}
	return items
}

// Status returns the tenant -> state snapshot for operational tooling.
func (r *Registry) Status() map[int64]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

// Len reports the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// swap installs a replacement connection after a successful restart and
// clears the failure counter. It reports false when the entry is gone, in
// which case the caller still owns the replacement and must stop it.
func (r *Registry) swap(tenantID int64, conn transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		return false
	}
	e.conn = conn
	e.state = StateRunning
	e.failures = 0
	e.startedAt = time.Now()
	return true
}

// markStopped records a downed listener that is still eligible for restart.
func (r *Registry) markStopped(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tenantID]; ok {
		e.conn = nil
		e.state = StateStopped
	}
}

// markDegraded parks the tenant: the entry stays (so reconcile skips it) but
// no further restarts happen until an operator re-activates.
func (r *Registry) markDegraded(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tenantID]; ok {
		e.conn = nil
		e.state = StateDegraded
	}
}

// addFailure bumps the tenant's consecutive-failure counter and returns it.
func (r *Registry) addFailure(tenantID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		return 0
	}
	e.failures++
	return e.failures
}

func (r *Registry) resetFailures(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tenantID]; ok {
		e.failures = 0
	}
}

func handleOf(id int64, e *entry) Handle {
	return Handle{
		TenantID:  id,
		Conn:      e.conn,
		State:     e.state,
		Failures:  e.failures,
		StartedAt: e.startedAt,
	}
}
