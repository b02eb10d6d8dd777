// Package dispatcher implements the central coordinator: a worker registry
// keyed by network address, a task registry keyed by a synthetic task
// UUID, the placement/liveness/retry state machine, and end-to-end routing
// of completions back to clients.
//
// Both registries are mutex-guarded, insertion-ordered maps, mutated from
// the transport engine's I/O goroutine and from the sweep scheduler's
// goroutines; snapshot accessors exist for the read-only admin surface.
package dispatcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/proto"
)

// WorkerRecord is one entry in the worker registry.
type WorkerRecord struct {
	Addr         netaddr.Addr
	State        proto.WorkerState
	LastUpdateTm time.Time
}

// WorkerRegistry is the dispatcher's in-memory, insertion-ordered registry
// of known workers. All state is non-persistent; nothing survives a
// dispatcher restart.
//
// The registry is mutated from the transport engine's I/O goroutine
// (handlers and ack callbacks) and from the gocron goroutines that run the
// sweeps, and read by the admin API's goroutines; every method takes the
// mutex for the whole of its work.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers map[netaddr.Addr]*WorkerRecord
	order   []netaddr.Addr
	logger  *zap.Logger
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(logger *zap.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[netaddr.Addr]*WorkerRecord),
		logger:  logger.Named("worker_registry"),
	}
}

// Upsert creates or updates the worker record at addr with state,
// refreshing its last-update timestamp. Used by the heartbeat handler and
// by completion handling.
func (r *WorkerRegistry) Upsert(addr netaddr.Addr, state proto.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[addr]
	if !ok {
		rec = &WorkerRecord{Addr: addr}
		r.workers[addr] = rec
		r.order = append(r.order, addr)
		r.logger.Debug("worker registered", zap.String("addr", addr.String()))
	}
	rec.State = state
	rec.LastUpdateTm = time.Now()
}

// Touch refreshes the last-update timestamp of addr without changing its
// state. No-op if addr is unknown.
func (r *WorkerRegistry) Touch(addr netaddr.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[addr]; ok {
		rec.LastUpdateTm = time.Now()
	}
}

// SetState transitions the worker at addr to state and refreshes its
// timestamp. No-op if addr is unknown; a worker must have heartbeated or
// been directed to at least once to exist in the registry.
func (r *WorkerRegistry) SetState(addr netaddr.Addr, state proto.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[addr]; ok {
		rec.State = state
		rec.LastUpdateTm = time.Now()
	}
}

// PickReady returns the address of the first ready worker in registry
// insertion order, and true, or the zero value and false if none is ready.
// Insertion order yields a deterministic pick under equal readiness. The
// picked worker is flipped to busy under the same lock, so two concurrent
// placements never pick the same worker.
func (r *WorkerRegistry) PickReady() (netaddr.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.order {
		if rec := r.workers[addr]; rec.State == proto.WorkerReady {
			rec.State = proto.WorkerBusy
			rec.LastUpdateTm = time.Now()
			return addr, true
		}
	}
	return netaddr.Addr{}, false
}

// Get returns a copy of the worker record at addr, and true, or the zero
// value and false if unknown.
func (r *WorkerRegistry) Get(addr netaddr.Addr) (WorkerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[addr]
	if !ok {
		return WorkerRecord{}, false
	}
	return *rec, true
}

// StaleBefore returns a snapshot of workers whose LastUpdateTm is older
// than cutoff, in insertion order. Used by the liveness sweep.
func (r *WorkerRegistry) StaleBefore(cutoff time.Time) []WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []WorkerRecord
	for _, addr := range r.order {
		rec := r.workers[addr]
		if rec.LastUpdateTm.Before(cutoff) {
			stale = append(stale, *rec)
		}
	}
	return stale
}

// Snapshot returns a copy of every worker record, in insertion order, for
// the admin API.
func (r *WorkerRegistry) Snapshot() []WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerRecord, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.workers[addr])
	}
	return out
}
