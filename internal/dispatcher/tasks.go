package dispatcher

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
)

// TaskStatus is the dispatcher-side task state machine.
type TaskStatus int

const (
	AcceptedFromClient TaskStatus = iota
	SentToCalculator
	AcceptedForExecutionCalculator
	Solved
	SentToClient
	ErrorAcceptedCalculator
	ErrorPlacementTimeout
)

func (s TaskStatus) String() string {
	switch s {
	case AcceptedFromClient:
		return "accepted_from_client"
	case SentToCalculator:
		return "sent_to_calculator"
	case AcceptedForExecutionCalculator:
		return "accepted_for_execution_calculator"
	case Solved:
		return "solved"
	case SentToClient:
		return "sent_to_client"
	case ErrorAcceptedCalculator:
		return "error_accepted_calculator"
	case ErrorPlacementTimeout:
		return "error_placement_timeout"
	default:
		return "unknown"
	}
}

// eligibleForPlacement reports whether a task in this status should be
// considered by the placement algorithm and the retry sweep.
func (s TaskStatus) eligibleForPlacement() bool {
	return s == AcceptedFromClient || s == ErrorAcceptedCalculator
}

// TaskKey is the structured form of the synthetic task UUID:
// (host, port, client_task_id) internally, serialised to a string only on
// the wire.
type TaskKey struct {
	ClientAddr netaddr.Addr
	TaskID     int64
}

// UUID renders the key in the wire format "host:port:task_id".
func (k TaskKey) UUID() string {
	return fmt.Sprintf("%s:%d:%d", k.ClientAddr.Host, k.ClientAddr.Port, k.TaskID)
}

// TaskRecord is one entry in the dispatcher's task registry.
type TaskRecord struct {
	Key               TaskKey
	ClientAddr        netaddr.Addr
	CalculatorAddr    netaddr.Addr
	HasCalculatorAddr bool
	Status            TaskStatus
	TaskParams        json.RawMessage
	CreatedTm         time.Time
}

// TaskRegistry is the dispatcher's in-memory, insertion-ordered task table.
// Like WorkerRegistry, it is mutated from the transport engine's I/O
// goroutine (handlers, ack callbacks) and from the sweep scheduler's
// goroutines, and read by the admin API; every method takes the mutex.
type TaskRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*TaskRecord
	order  []string
	logger *zap.Logger
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger *zap.Logger) *TaskRegistry {
	return &TaskRegistry{
		tasks:  make(map[string]*TaskRecord),
		logger: logger.Named("task_registry"),
	}
}

// Get returns a copy of the task record for uuid, and true, or the zero
// value and false if unknown.
func (r *TaskRegistry) Get(uuid string) (TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[uuid]
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// CreateIfAbsent inserts a new record in AcceptedFromClient for key if one
// does not already exist, returning the record and whether it was newly
// created. A pre-existing record is returned unmodified, making add_task
// acceptance idempotent on (client_address, task_id).
func (r *TaskRegistry) CreateIfAbsent(key TaskKey, params json.RawMessage, now time.Time) (TaskRecord, bool) {
	uuid := key.UUID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.tasks[uuid]; ok {
		return *rec, false
	}

	rec := &TaskRecord{
		Key:        key,
		ClientAddr: key.ClientAddr,
		Status:     AcceptedFromClient,
		TaskParams: params,
		CreatedTm:  now,
	}
	r.tasks[uuid] = rec
	r.order = append(r.order, uuid)
	r.logger.Debug("task accepted", zap.String("task_uuid", uuid))
	return *rec, true
}

// mutate applies fn to the record for uuid under the registry lock. No-op
// if uuid is unknown. Returns whether the record existed.
func (r *TaskRegistry) mutate(uuid string, fn func(*TaskRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[uuid]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// MarkSentToCalculator transitions uuid to SentToCalculator and records the
// chosen worker address, as part of the placement algorithm.
func (r *TaskRegistry) MarkSentToCalculator(uuid string, worker netaddr.Addr) bool {
	return r.mutate(uuid, func(rec *TaskRecord) {
		rec.Status = SentToCalculator
		rec.CalculatorAddr = worker
		rec.HasCalculatorAddr = true
	})
}

// MarkAcceptedForExecution transitions uuid to AcceptedForExecutionCalculator
// on a successful perform_task ack.
func (r *TaskRegistry) MarkAcceptedForExecution(uuid string) bool {
	return r.mutate(uuid, func(rec *TaskRecord) {
		rec.Status = AcceptedForExecutionCalculator
	})
}

// MarkPlacementFailed transitions uuid back to ErrorAcceptedCalculator so
// the retry sweep re-places it.
func (r *TaskRegistry) MarkPlacementFailed(uuid string) bool {
	return r.mutate(uuid, func(rec *TaskRecord) {
		rec.Status = ErrorAcceptedCalculator
		rec.CalculatorAddr = netaddr.Addr{}
		rec.HasCalculatorAddr = false
	})
}

// MarkSolved transitions uuid to Solved and clears calculator_address; a
// solved task never retains a worker assignment.
func (r *TaskRegistry) MarkSolved(uuid string) bool {
	return r.mutate(uuid, func(rec *TaskRecord) {
		rec.Status = Solved
		rec.CalculatorAddr = netaddr.Addr{}
		rec.HasCalculatorAddr = false
	})
}

// MarkSentToClient transitions uuid to SentToClient once notify_task has
// been enqueued.
func (r *TaskRegistry) MarkSentToClient(uuid string) bool {
	return r.mutate(uuid, func(rec *TaskRecord) {
		rec.Status = SentToClient
	})
}

// PlacementCandidates returns a snapshot of tasks eligible for placement
// (accepted_from_client or error_accepted_calculator), in insertion order,
// for the placement algorithm and retry sweep. Snapshot semantics avoid
// iterator invalidation while sweeps mutate records in-place.
func (r *TaskRegistry) PlacementCandidates() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskRecord
	for _, uuid := range r.order {
		rec := r.tasks[uuid]
		if rec.Status.eligibleForPlacement() {
			out = append(out, *rec)
		}
	}
	return out
}

// ExpireOlderThan scans all tasks in insertion order and transitions any
// whose age has reached maxAge to ErrorPlacementTimeout. Returns the uuids
// that were just expired, so the caller can log them once.
func (r *TaskRegistry) ExpireOlderThan(maxAge time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for _, uuid := range r.order {
		rec := r.tasks[uuid]
		if rec.Status == ErrorPlacementTimeout || rec.Status == Solved || rec.Status == SentToClient {
			continue
		}
		if now.Sub(rec.CreatedTm) >= maxAge {
			rec.Status = ErrorPlacementTimeout
			expired = append(expired, uuid)
		}
	}
	return expired
}

// Snapshot returns a copy of every task record, in insertion order, for the
// admin API.
func (r *TaskRegistry) Snapshot() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskRecord, 0, len(r.order))
	for _, uuid := range r.order {
		out = append(out, *r.tasks[uuid])
	}
	return out
}
