package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
)

func TestTaskUUIDIsStable(t *testing.T) {
	r := NewTaskRegistry(zap.NewNop())
	key := TaskKey{ClientAddr: netaddr.Addr{Host: "10.0.0.1", Port: 5000}, TaskID: 7}

	first, created := r.CreateIfAbsent(key, []byte(`{"task_id":7}`), time.Now())
	assert.True(t, created)

	second, created := r.CreateIfAbsent(key, []byte(`{"task_id":7}`), time.Now())
	assert.False(t, created, "re-sending the same add_task must not create a new task record")
	assert.Equal(t, first.Key.UUID(), second.Key.UUID())
	assert.Equal(t, "10.0.0.1:5000:7", first.Key.UUID())
}

func TestSolvedTaskHasNoCalculatorAddress(t *testing.T) {
	r := NewTaskRegistry(zap.NewNop())
	key := TaskKey{ClientAddr: netaddr.Addr{Host: "10.0.0.1", Port: 5000}, TaskID: 1}
	rec, _ := r.CreateIfAbsent(key, []byte(`{}`), time.Now())

	worker := netaddr.Addr{Host: "10.0.0.2", Port: 6000}
	r.MarkSentToCalculator(rec.Key.UUID(), worker)
	r.MarkAcceptedForExecution(rec.Key.UUID())
	r.MarkSolved(rec.Key.UUID())

	solved, ok := r.Get(rec.Key.UUID())
	assert.True(t, ok)
	assert.Equal(t, Solved, solved.Status)
	assert.False(t, solved.HasCalculatorAddr, "a solved task must not carry a calculator_address")
}

func TestPlacementCandidatesOnlyEligibleStatuses(t *testing.T) {
	r := NewTaskRegistry(zap.NewNop())

	pending := mustCreate(r, TaskKey{ClientAddr: netaddr.Addr{Host: "h", Port: 1}, TaskID: 1})
	mustCreate(r, TaskKey{ClientAddr: netaddr.Addr{Host: "h", Port: 1}, TaskID: 2})

	worker := netaddr.Addr{Host: "w", Port: 2}
	other := mustCreate(r, TaskKey{ClientAddr: netaddr.Addr{Host: "h", Port: 1}, TaskID: 3})
	r.MarkSentToCalculator(other.Key.UUID(), worker)

	candidates := r.PlacementCandidates()
	uuids := make(map[string]bool)
	for _, c := range candidates {
		uuids[c.Key.UUID()] = true
	}

	assert.True(t, uuids[pending.Key.UUID()])
	assert.False(t, uuids[other.Key.UUID()], "a task already sent to a calculator is not a placement candidate")
}

func TestExpireOlderThan(t *testing.T) {
	r := NewTaskRegistry(zap.NewNop())
	old := time.Now().Add(-time.Hour)
	rec, _ := r.CreateIfAbsent(TaskKey{ClientAddr: netaddr.Addr{Host: "h", Port: 1}, TaskID: 1}, []byte(`{}`), old)

	expired := r.ExpireOlderThan(10*time.Second, time.Now())
	assert.Contains(t, expired, rec.Key.UUID())

	got, _ := r.Get(rec.Key.UUID())
	assert.Equal(t, ErrorPlacementTimeout, got.Status)
}

func mustCreate(r *TaskRegistry, key TaskKey) TaskRecord {
	rec, _ := r.CreateIfAbsent(key, []byte(`{}`), time.Now())
	return rec
}
