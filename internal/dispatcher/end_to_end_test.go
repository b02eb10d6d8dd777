package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/client"
	"github.com/taskmesh-io/taskmesh/internal/dispatcher"
	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/transport"
	"github.com/taskmesh-io/taskmesh/internal/worker"
)

func newServedEngine(t *testing.T) *transport.Engine {
	t.Helper()
	e, err := transport.New(netaddr.Addr{Host: "127.0.0.1", Port: 0}, transport.Options{
		Timeout:     5 * time.Millisecond,
		MaxAttempts: 10,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(true) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Serve(ctx)
	return e
}

// TestEndToEndSingleTaskSingleWorker wires a dispatcher, a worker, and a
// client on loopback UDP and follows one task through the full
// add_task -> perform_task -> completed_task -> notify_task round trip.
func TestEndToEndSingleTaskSingleWorker(t *testing.T) {
	dispEngine := newServedEngine(t)
	d := dispatcher.New(dispEngine, dispatcher.Options{
		InactivityTimeout:                 time.Hour,
		ActivityPollInterval:              time.Hour,
		RepeaterUnsuccessfulTasksInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	sweeps, err := dispatcher.NewSweepScheduler(d, zap.NewNop())
	require.NoError(t, err)
	sweeps.Start()
	t.Cleanup(func() { sweeps.Stop() })

	dispAddr := dispEngine.LocalAddr()

	workerEngine := newServedEngine(t)
	w, err := worker.New(workerEngine, dispAddr, worker.Options{
		TaskDurationMin: 10 * time.Millisecond,
		TaskDurationMax: 20 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)
	t.Cleanup(func() { w.Shutdown(true) })

	clientEngine := newServedEngine(t)
	c := client.New(clientEngine, dispAddr, client.Options{
		GenerationIntervalMin: 10 * time.Millisecond,
		GenerationIntervalMax: 20 * time.Millisecond,
	}, zap.NewNop())
	c.Start(ctx)
	t.Cleanup(c.Shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range c.Snapshot() {
			if rec.Resolved {
				assert.False(t, rec.DoneTm.Before(rec.CreatedTm), "done_tm must not precede created_tm")
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no task was resolved end-to-end within the deadline")
}

// TestEndToEndWorkerRegistersAfterTask: a task submitted with zero workers
// registered sits in a retryable state until a worker heartbeats, at which
// point the retry sweep places it and the task completes end-to-end.
func TestEndToEndWorkerRegistersAfterTask(t *testing.T) {
	dispEngine := newServedEngine(t)
	d := dispatcher.New(dispEngine, dispatcher.Options{
		InactivityTimeout:                 time.Hour,
		ActivityPollInterval:              time.Hour,
		RepeaterUnsuccessfulTasksInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	sweeps, err := dispatcher.NewSweepScheduler(d, zap.NewNop())
	require.NoError(t, err)
	sweeps.Start()
	t.Cleanup(func() { sweeps.Stop() })

	dispAddr := dispEngine.LocalAddr()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientEngine := newServedEngine(t)
	c := client.New(clientEngine, dispAddr, client.Options{
		GenerationIntervalMin: 10 * time.Millisecond,
		GenerationIntervalMax: 20 * time.Millisecond,
	}, zap.NewNop())
	c.Start(ctx)
	t.Cleanup(c.Shutdown)

	// Let at least one task arrive and fail placement before any worker
	// exists.
	require.Eventually(t, func() bool {
		return len(d.Tasks().Snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond, "dispatcher never accepted a task")

	workerEngine := newServedEngine(t)
	w, err := worker.New(workerEngine, dispAddr, worker.Options{
		TaskDurationMin: 10 * time.Millisecond,
		TaskDurationMax: 20 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	w.Start(ctx)
	t.Cleanup(func() { w.Shutdown(true) })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range c.Snapshot() {
			if rec.Resolved {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no task was resolved after the worker registered")
}
