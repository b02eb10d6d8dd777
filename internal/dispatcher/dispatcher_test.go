package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/proto"
	"github.com/taskmesh-io/taskmesh/internal/transport"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	engine, err := transport.New(netaddr.Addr{Host: "127.0.0.1", Port: 0}, transport.Options{
		Timeout:     5 * time.Millisecond,
		MaxAttempts: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(true) })

	return New(engine, Options{}, zap.NewNop())
}

func TestHandleAddTaskIsIdempotent(t *testing.T) {
	d := newTestDispatcher(t)
	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	params, err := json.Marshal(proto.AddTaskParams{TaskID: 7})
	require.NoError(t, err)

	_, ack1 := d.handleAddTask(client, params)
	_, ack2 := d.handleAddTask(client, params)
	assert.True(t, ack1)
	assert.True(t, ack2)

	assert.Len(t, d.Tasks().Snapshot(), 1, "duplicate add_task must not create a second task record")
}

func TestAddTaskWithNoReadyWorkerEntersRetryableError(t *testing.T) {
	d := newTestDispatcher(t)
	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	params, _ := json.Marshal(proto.AddTaskParams{TaskID: 1})

	d.handleAddTask(client, params)

	snap := d.Tasks().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ErrorAcceptedCalculator, snap[0].Status)
}

func TestRetrySweepPlacesTaskOnceWorkerAvailable(t *testing.T) {
	d := newTestDispatcher(t)
	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	params, _ := json.Marshal(proto.AddTaskParams{TaskID: 1})
	d.handleAddTask(client, params)

	worker := netaddr.Addr{Host: "127.0.0.1", Port: 5555}
	d.workers.Upsert(worker, proto.WorkerReady)

	d.RunRetrySweep()

	snap := d.Tasks().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, SentToCalculator, snap[0].Status)
	assert.True(t, snap[0].HasCalculatorAddr)
	assert.Equal(t, worker, snap[0].CalculatorAddr)

	w, ok := d.Workers().Get(worker)
	require.True(t, ok)
	assert.Equal(t, proto.WorkerBusy, w.State)
}

func TestHandleCompletedTaskMarksSolvedAndNotifiesClient(t *testing.T) {
	d := newTestDispatcher(t)
	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	addParams, _ := json.Marshal(proto.AddTaskParams{TaskID: 1})
	d.handleAddTask(client, addParams)

	worker := netaddr.Addr{Host: "127.0.0.1", Port: 5555}
	d.workers.Upsert(worker, proto.WorkerReady)
	d.RunRetrySweep()

	uuid := d.Tasks().Snapshot()[0].Key.UUID()
	completedParams, _ := json.Marshal(proto.CompletedTaskParams{TaskUUID: uuid})
	d.handleCompletedTask(worker, completedParams)

	rec, ok := d.Tasks().Get(uuid)
	require.True(t, ok)
	assert.Equal(t, SentToClient, rec.Status)
	assert.False(t, rec.HasCalculatorAddr)

	w, ok := d.Workers().Get(worker)
	require.True(t, ok)
	assert.Equal(t, proto.WorkerReady, w.State)
}

func TestHandleCompletedTaskUnknownUUIDIsLoggedAndAcked(t *testing.T) {
	d := newTestDispatcher(t)
	worker := netaddr.Addr{Host: "127.0.0.1", Port: 5555}
	params, _ := json.Marshal(proto.CompletedTaskParams{TaskUUID: "nonexistent:1:1"})

	_, ack := d.handleCompletedTask(worker, params)
	assert.True(t, ack, "an unknown task_uuid must still be acked so the worker does not retry")
}

type countingMetricsSink struct {
	accepted, placed, solved, expired, retries int
	registered, ready                          int
}

func (s *countingMetricsSink) TaskAccepted()                         { s.accepted++ }
func (s *countingMetricsSink) TaskPlaced()                           { s.placed++ }
func (s *countingMetricsSink) TaskSolved()                           { s.solved++ }
func (s *countingMetricsSink) TaskExpired()                          { s.expired++ }
func (s *countingMetricsSink) PlacementRetry()                       { s.retries++ }
func (s *countingMetricsSink) ObservePlacementLatency(time.Duration) {}
func (s *countingMetricsSink) SetWorkersGauge(registered, ready int) {
	s.registered, s.ready = registered, ready
}

// TestMetricsSinkTracksTaskLifecycle covers the optional MetricsSink hook:
// acceptance, placement, and solution each bump their respective counter,
// and the worker gauges reflect registry state after each mutation.
func TestMetricsSinkTracksTaskLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	sink := &countingMetricsSink{}
	d.SetMetrics(sink)

	worker := netaddr.Addr{Host: "127.0.0.1", Port: 5555}
	heartbeatParams, _ := json.Marshal(proto.HeartbeatParams{Status: proto.WorkerReady})
	d.handleHeartbeat(worker, heartbeatParams)
	assert.Equal(t, 1, sink.registered)
	assert.Equal(t, 1, sink.ready)

	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	addParams, _ := json.Marshal(proto.AddTaskParams{TaskID: 1})
	d.handleAddTask(client, addParams)
	assert.Equal(t, 1, sink.accepted)
	assert.Equal(t, 1, sink.placed, "immediate placement should have found the ready worker")
	assert.Equal(t, 0, sink.ready, "worker should now be busy")

	uuid := d.Tasks().Snapshot()[0].Key.UUID()
	completedParams, _ := json.Marshal(proto.CompletedTaskParams{TaskUUID: uuid})
	d.handleCompletedTask(worker, completedParams)
	assert.Equal(t, 1, sink.solved)
	assert.Equal(t, 1, sink.ready, "worker should be ready again after reporting completion")
}

func TestEventSinkFiresOnWorkerAndTaskMutation(t *testing.T) {
	d := newTestDispatcher(t)

	var kinds []string
	d.SetEventSink(func(kind string, _ any) {
		kinds = append(kinds, kind)
	})

	worker := netaddr.Addr{Host: "127.0.0.1", Port: 5555}
	heartbeatParams, _ := json.Marshal(proto.HeartbeatParams{Status: proto.WorkerReady})
	d.handleHeartbeat(worker, heartbeatParams)
	assert.Contains(t, kinds, "worker")

	client := netaddr.Addr{Host: "127.0.0.1", Port: 5000}
	addParams, _ := json.Marshal(proto.AddTaskParams{TaskID: 1})
	d.handleAddTask(client, addParams)
	assert.Contains(t, kinds, "task")
}
