package worker

import (
	"context"
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

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	engine, err := transport.New(netaddr.Addr{Host: "127.0.0.1", Port: 0}, transport.Options{
		Timeout:     5 * time.Millisecond,
		MaxAttempts: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(true) })

	// Serve must run so that completed_task's outstanding command is
	// pumped to failure (no dispatcher is listening in this test), which
	// is what ultimately flips the worker back to ready.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Serve(ctx)

	dispatcher := netaddr.Addr{Host: "127.0.0.1", Port: 6000}
	w, err := New(engine, dispatcher, Options{
		TaskDurationMin: time.Millisecond,
		TaskDurationMax: 2 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return w
}

// newTestWorkerWithLongTask uses a task duration long enough that tests
// asserting on the busy window are not racing the background execution
// goroutine's completion.
func newTestWorkerWithLongTask(t *testing.T) *Worker {
	t.Helper()
	w := newTestWorker(t)
	w.opts.TaskDurationMin = time.Minute
	w.opts.TaskDurationMax = time.Minute
	return w
}

// waitForState polls until w reports want, or fails the test after a
// generous timeout. Used instead of a fixed sleep because completion
// reporting crosses the engine's own pump/retry timing.
func waitForState(t *testing.T, w *Worker, want proto.WorkerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker did not reach state %s within deadline (currently %s)", want, w.State())
}

func TestReadyWorkerAcceptsPerformTask(t *testing.T) {
	w := newTestWorker(t)
	params, err := json.Marshal(proto.PerformTaskParams{TaskUUID: "c:1:1"})
	require.NoError(t, err)

	_, ack := w.performTaskHandler(params)
	assert.True(t, ack)
	assert.Equal(t, proto.WorkerBusy, w.State())

	waitForState(t, w, proto.WorkerReady)
	w.Shutdown(true)
}

func TestBusyWorkerAcksDuplicateOfCurrentTask(t *testing.T) {
	w := newTestWorkerWithLongTask(t)
	params, _ := json.Marshal(proto.PerformTaskParams{TaskUUID: "c:1:1"})
	w.performTaskHandler(params)
	require.Equal(t, proto.WorkerBusy, w.State())

	_, ack := w.performTaskHandler(params)
	assert.True(t, ack, "a retransmitted perform_task for the in-flight task must be acked without re-executing")

	w.Shutdown(true)
}

func TestBusyWorkerWithholdsAckForDifferentTask(t *testing.T) {
	w := newTestWorkerWithLongTask(t)
	first, _ := json.Marshal(proto.PerformTaskParams{TaskUUID: "c:1:1"})
	w.performTaskHandler(first)
	require.Equal(t, proto.WorkerBusy, w.State())

	second, _ := json.Marshal(proto.PerformTaskParams{TaskUUID: "c:1:2"})
	_, ack := w.performTaskHandler(second)
	assert.False(t, ack, "a different task_uuid while busy must not be acked, letting the dispatcher retry elsewhere")

	w.Shutdown(true)
}

func TestStatusHandlerReportsCurrentState(t *testing.T) {
	w := newTestWorker(t)
	result, ack := w.handleMessage(netaddr.Addr{Host: "127.0.0.1", Port: 1}, proto.MethodStatus, []byte(`{}`), nil)
	assert.True(t, ack)

	var parsed proto.StatusResult
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, proto.WorkerReady, parsed.Status)

	w.Shutdown(true)
}
