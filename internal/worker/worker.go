package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/proto"
	"github.com/taskmesh-io/taskmesh/internal/transport"
)

// Default timing knobs.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultTaskDurationMin   = 200 * time.Millisecond
	DefaultTaskDurationMax   = 1500 * time.Millisecond
)

// Options configures a Worker.
type Options struct {
	HeartbeatInterval time.Duration
	// TaskDurationMin/Max bound the uniform random delay a task takes to
	// "execute", a sleep standing in for the opaque business work.
	TaskDurationMin time.Duration
	TaskDurationMax time.Duration
	// StateDir, if non-empty, persists a stable instance ID across
	// restarts for local logs. Never transmitted on the wire.
	StateDir string
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.TaskDurationMin <= 0 {
		o.TaskDurationMin = DefaultTaskDurationMin
	}
	if o.TaskDurationMax <= 0 {
		o.TaskDurationMax = DefaultTaskDurationMax
	}
	if o.TaskDurationMax < o.TaskDurationMin {
		o.TaskDurationMax = o.TaskDurationMin
	}
	return o
}

// runningTask tracks the one task a busy worker is executing, so a
// retransmitted perform_task for the same task can be recognised and acked
// without starting a second run.
type runningTask struct {
	uuid   string
	params json.RawMessage
}

// Worker implements the calculator role: a ready/busy/not_available state
// machine that heartbeats to the dispatcher and executes one task at a
// time.
type Worker struct {
	opts     Options
	engine   *transport.Engine
	dispatch netaddr.Addr
	logger   *zap.Logger

	instanceID string

	mu      sync.Mutex
	state   proto.WorkerState
	current *runningTask

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Worker that exchanges protocol messages with dispatch
// over engine. engine.AddHandlerRequest is called with the worker's
// routing table.
func New(engine *transport.Engine, dispatch netaddr.Addr, opts Options, logger *zap.Logger) (*Worker, error) {
	opts = opts.withDefaults()
	logger = logger.Named("worker")

	instanceID := ""
	if opts.StateDir != "" {
		id, err := loadOrCreateInstanceID(opts.StateDir)
		if err != nil {
			return nil, fmt.Errorf("worker: failed to load instance state: %w", err)
		}
		instanceID = id
	}

	w := &Worker{
		opts:       opts,
		engine:     engine,
		dispatch:   dispatch,
		logger:     logger,
		instanceID: instanceID,
		state:      proto.WorkerReady,
		stopCh:     make(chan struct{}),
	}
	engine.AddHandlerRequest(w.handleMessage)
	return w, nil
}

// State returns the worker's current state.
func (w *Worker) State() proto.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start sends an immediate heartbeat to register with the dispatcher and
// launches the periodic heartbeat loop. Call Shutdown to stop it.
func (w *Worker) Start(ctx context.Context) {
	if w.instanceID != "" {
		w.logger.Info("worker starting", zap.String("instance_id", w.instanceID))
	}
	w.heartbeat()

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

// heartbeat sends the worker's current state to the dispatcher as
// no_answer.
func (w *Worker) heartbeat() {
	payload, err := json.Marshal(proto.HeartbeatParams{Status: w.State()})
	if err != nil {
		w.logger.Error("failed to encode heartbeat", zap.Error(err))
		return
	}
	w.engine.SendCommandWithoutConfirmation(w.dispatch, proto.MethodHeartbeat, payload)
}

// handleMessage is the single inbound request handler registered with the
// transport engine, routing perform_task and status.
func (w *Worker) handleMessage(addr netaddr.Addr, method string, params, _ []byte) ([]byte, bool) {
	switch method {
	case proto.MethodPerformTask:
		return w.performTaskHandler(params)
	case proto.MethodStatus:
		result, err := json.Marshal(proto.StatusResult{Status: w.State()})
		if err != nil {
			w.logger.Error("failed to encode status result", zap.Error(err))
			return nil, true
		}
		return result, true
	default:
		w.logger.Warn("unrecognised method", zap.String("peer", addr.String()), zap.String("method", method))
		return nil, true
	}
}

// performTaskHandler accepts or rejects an incoming task: a ready worker
// accepts and starts executing; a non-ready worker acks (without
// re-executing) a retransmission of its own in-flight task, and otherwise
// sends no ack at all so the dispatcher's retry delivers the command to a
// different worker.
func (w *Worker) performTaskHandler(params []byte) ([]byte, bool) {
	var p proto.PerformTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		w.logger.Warn("malformed perform_task params", zap.Error(err))
		return nil, true
	}

	w.mu.Lock()
	if w.state == proto.WorkerReady {
		w.state = proto.WorkerBusy
		w.current = &runningTask{uuid: p.TaskUUID, params: params}
		w.mu.Unlock()

		w.wg.Add(1)
		go w.executeTask(p.TaskUUID, params)
		return nil, true
	}

	duplicate := w.current != nil && w.current.uuid == p.TaskUUID
	w.mu.Unlock()

	if duplicate {
		w.logger.Debug("duplicate perform_task for in-flight task, acking without re-executing", zap.String("task_uuid", p.TaskUUID))
		return nil, true
	}

	w.logger.Warn("perform_task received while unavailable, withholding ack", zap.String("task_uuid", p.TaskUUID))
	return nil, false
}

// executeTask simulates the opaque business work as a sleep of random
// duration drawn uniformly from [TaskDurationMin, TaskDurationMax], then
// reports completion.
func (w *Worker) executeTask(uuid string, params json.RawMessage) {
	defer w.wg.Done()

	d := w.opts.TaskDurationMin
	if span := w.opts.TaskDurationMax - w.opts.TaskDurationMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}

	select {
	case <-time.After(d):
	case <-w.stopCh:
		return
	}

	w.reportCompletion(uuid, params)
}

// reportCompletion sends completed_task to the dispatcher with a reliable
// callback. The worker switches back to ready only once that send succeeds
// or is abandoned (attempts exhausted), not immediately on local task
// completion, so a worker never advertises readiness while the dispatcher
// still believes its last result is unconfirmed.
func (w *Worker) reportCompletion(uuid string, params json.RawMessage) {
	w.engine.SendCommand(w.dispatch, proto.MethodCompletedTask, params, func(_ netaddr.Addr, _ int64, status transport.TransmissionStatus) {
		if status == transport.StatusSuccess {
			w.logger.Debug("completed_task acked", zap.String("task_uuid", uuid))
		} else {
			w.logger.Error("completed_task abandoned after attempt exhaustion", zap.String("task_uuid", uuid))
		}
		w.mu.Lock()
		if w.current != nil && w.current.uuid == uuid {
			w.current = nil
		}
		w.state = proto.WorkerReady
		w.mu.Unlock()
	})
}

// Shutdown stops the heartbeat loop and any task still executing; an
// interrupted task's completed_task is never sent, whatever the value of
// immediate. With immediate false, Shutdown waits for those goroutines to
// exit; with immediate true it returns without waiting. The dispatcher
// will observe this as worker silence and eventually mark it
// not_available.
func (w *Worker) Shutdown(immediate bool) {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if !immediate {
		w.wg.Wait()
	}
}
