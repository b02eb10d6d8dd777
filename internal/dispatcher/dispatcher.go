package dispatcher

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/proto"
	"github.com/taskmesh-io/taskmesh/internal/transport"
)

// Options configures the dispatcher's timing knobs.
type Options struct {
	InactivityTimeout                 time.Duration
	ActivityPollInterval              time.Duration
	TimeoutTaskPlacement              time.Duration
	RepeaterUnsuccessfulTasksInterval time.Duration
}

// Default timing knobs.
const (
	DefaultInactivityTimeout                 = 10 * time.Second
	DefaultActivityPollInterval              = 10 * time.Second
	DefaultTimeoutTaskPlacement              = 120 * time.Second
	DefaultRepeaterUnsuccessfulTasksInterval = 1 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	if o.ActivityPollInterval <= 0 {
		o.ActivityPollInterval = DefaultActivityPollInterval
	}
	if o.TimeoutTaskPlacement <= 0 {
		o.TimeoutTaskPlacement = DefaultTimeoutTaskPlacement
	}
	if o.RepeaterUnsuccessfulTasksInterval <= 0 {
		o.RepeaterUnsuccessfulTasksInterval = DefaultRepeaterUnsuccessfulTasksInterval
	}
	return o
}

// Dispatcher is the central coordinator: it owns the worker and task
// registries, routes inbound protocol methods, runs the placement
// algorithm, and drives the periodic retry/liveness sweeps (wired
// separately in sweep.go via gocron).
type Dispatcher struct {
	opts    Options
	engine  *transport.Engine
	workers *WorkerRegistry
	tasks   *TaskRegistry
	logger  *zap.Logger

	now     func() time.Time
	onEvent func(kind string, data any)
	metrics MetricsSink
}

// MetricsSink receives counters and gauges as the dispatcher mutates its
// registries. Optional; a Dispatcher with no sink registered simply skips
// the calls. Defined here rather than imported from internal/admin so the
// dispatcher package stays free of any dependency on the observability
// surface; the CLI layer wires a concrete admin.Metrics value in via
// SetMetrics.
type MetricsSink interface {
	TaskAccepted()
	TaskPlaced()
	TaskSolved()
	TaskExpired()
	PlacementRetry()
	ObservePlacementLatency(d time.Duration)
	SetWorkersGauge(registered, ready int)
}

// SetMetrics installs sink to receive registry counters and gauges. Safe to
// call once before the dispatcher starts handling traffic.
func (d *Dispatcher) SetMetrics(sink MetricsSink) {
	d.metrics = sink
}

// New constructs a Dispatcher bound to engine. engine.AddHandlerRequest is
// called with the dispatcher's routing table; callers must not overwrite
// it afterwards.
func New(engine *transport.Engine, opts Options, logger *zap.Logger) *Dispatcher {
	logger = logger.Named("dispatcher")
	d := &Dispatcher{
		opts:    opts.withDefaults(),
		engine:  engine,
		workers: NewWorkerRegistry(logger),
		tasks:   NewTaskRegistry(logger),
		logger:  logger,
		now:     time.Now,
	}
	engine.AddHandlerRequest(d.handleMessage)
	return d
}

// Workers exposes the worker registry read-only, for the admin API.
func (d *Dispatcher) Workers() *WorkerRegistry { return d.workers }

// Tasks exposes the task registry read-only, for the admin API.
func (d *Dispatcher) Tasks() *TaskRegistry { return d.tasks }

// SetEventSink registers fn to receive a ("worker"|"task", record) pair
// whenever the dispatcher mutates one of its registries. Used to feed the
// admin WebSocket hub; safe to leave unset.
func (d *Dispatcher) SetEventSink(fn func(kind string, data any)) {
	d.onEvent = fn
}

func (d *Dispatcher) emit(kind string, data any) {
	if d.onEvent != nil {
		d.onEvent(kind, data)
	}
}

func (d *Dispatcher) emitTask(uuid string) {
	if rec, ok := d.tasks.Get(uuid); ok {
		d.emit("task", rec)
	}
}

func (d *Dispatcher) emitWorker(addr netaddr.Addr) {
	if rec, ok := d.workers.Get(addr); ok {
		d.emit("worker", rec)
	}
	d.updateWorkerGauges()
}

// updateWorkerGauges recomputes the worker-count gauges from a fresh
// registry snapshot and reports them to the metrics sink, if any.
func (d *Dispatcher) updateWorkerGauges() {
	if d.metrics == nil {
		return
	}
	snap := d.workers.Snapshot()
	ready := 0
	for _, rec := range snap {
		if rec.State == proto.WorkerReady {
			ready++
		}
	}
	d.metrics.SetWorkersGauge(len(snap), ready)
}

// handleMessage is the single inbound request handler registered with the
// transport engine, routing by method name.
func (d *Dispatcher) handleMessage(addr netaddr.Addr, method string, params, _ []byte) ([]byte, bool) {
	switch method {
	case proto.MethodAddTask:
		return d.handleAddTask(addr, params)
	case proto.MethodHeartbeat:
		return d.handleHeartbeat(addr, params)
	case proto.MethodCompletedTask:
		return d.handleCompletedTask(addr, params)
	default:
		d.logger.Warn("unrecognised method", zap.String("peer", addr.String()), zap.String("method", method))
		return nil, true
	}
}

// handleAddTask accepts a task from a client: idempotent on
// (client_address, task_id), creates and immediately attempts placement on
// first receipt.
func (d *Dispatcher) handleAddTask(addr netaddr.Addr, params []byte) ([]byte, bool) {
	var p proto.AddTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Warn("malformed add_task params", zap.String("peer", addr.String()), zap.Error(err))
		return nil, true
	}

	key := TaskKey{ClientAddr: addr, TaskID: p.TaskID}
	rec, created := d.tasks.CreateIfAbsent(key, params, d.now())
	if !created {
		d.logger.Debug("duplicate add_task, idempotent accept", zap.String("task_uuid", rec.Key.UUID()))
		return nil, true
	}

	if d.metrics != nil {
		d.metrics.TaskAccepted()
	}
	d.tryPlace(rec.Key.UUID())
	d.emitTask(rec.Key.UUID())
	return nil, true
}

// handleHeartbeat upserts the worker record with its reported state.
// Workers normally send this as no_answer; the handler tolerates either
// framing since the handler installed via AddHandlerRequest is invoked for
// both request and no_answer packets.
func (d *Dispatcher) handleHeartbeat(addr netaddr.Addr, params []byte) ([]byte, bool) {
	var p proto.HeartbeatParams
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Warn("malformed heartbeat params", zap.String("peer", addr.String()), zap.Error(err))
		return nil, true
	}
	d.workers.Upsert(addr, p.Status)
	d.emitWorker(addr)
	return nil, true
}

// handleCompletedTask processes a worker's completion report: an unknown
// task_uuid is logged and acked without further action; a known task is
// marked solved, its worker freed, and a notify_task enqueued to the
// originating client.
func (d *Dispatcher) handleCompletedTask(addr netaddr.Addr, params []byte) ([]byte, bool) {
	var p proto.CompletedTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Warn("malformed completed_task params", zap.String("peer", addr.String()), zap.Error(err))
		return nil, true
	}

	rec, ok := d.tasks.Get(p.TaskUUID)
	if !ok {
		d.logger.Warn("completed_task for unknown task_uuid", zap.String("task_uuid", p.TaskUUID), zap.String("peer", addr.String()))
		return nil, true
	}

	d.tasks.MarkSolved(p.TaskUUID)
	d.workers.Upsert(addr, proto.WorkerReady)
	d.emitWorker(addr)
	if d.metrics != nil {
		d.metrics.TaskSolved()
	}

	d.sendNotifyTask(rec)
	d.emitTask(p.TaskUUID)
	return nil, true
}

// sendNotifyTask enqueues notify_task to the client that originated rec,
// and transitions the task to sent_to_client once the send is enqueued.
// The transition is not gated on the client's ack: the task's observable
// lifecycle from the dispatcher's point of view ends at "notify sent".
func (d *Dispatcher) sendNotifyTask(rec TaskRecord) {
	payload, err := json.Marshal(proto.NotifyTaskParams{
		TaskID: rec.Key.TaskID,
		Status: proto.NotifyStatusSuccess,
	})
	if err != nil {
		d.logger.Error("failed to encode notify_task", zap.Error(err))
		return
	}

	d.engine.SendCommand(rec.ClientAddr, proto.MethodNotifyTask, payload, func(netaddr.Addr, int64, transport.TransmissionStatus) {})
	d.tasks.MarkSentToClient(rec.Key.UUID())
}

// tryPlace runs the placement algorithm for the task identified by uuid:
// scan worker records in insertion order, pick the first ready one,
// atomically flip it busy, and send perform_task with a callback that
// advances the task state machine. If no ready worker exists the task is
// left in error_accepted_calculator for the retry sweep to pick up later.
func (d *Dispatcher) tryPlace(uuid string) {
	rec, ok := d.tasks.Get(uuid)
	if !ok || !rec.Status.eligibleForPlacement() {
		return
	}

	worker, ok := d.workers.PickReady()
	if !ok {
		d.tasks.MarkPlacementFailed(uuid)
		return
	}

	d.workers.SetState(worker, proto.WorkerBusy)
	d.tasks.MarkSentToCalculator(uuid, worker)
	d.emitWorker(worker)
	d.emitTask(uuid)
	if d.metrics != nil {
		d.metrics.TaskPlaced()
		d.metrics.ObservePlacementLatency(d.now().Sub(rec.CreatedTm))
	}

	payload, err := json.Marshal(proto.PerformTaskParams{TaskUUID: uuid})
	if err != nil {
		d.logger.Error("failed to encode perform_task", zap.Error(err))
		d.tasks.MarkPlacementFailed(uuid)
		d.emitTask(uuid)
		return
	}

	d.engine.SendCommand(worker, proto.MethodPerformTask, payload, func(addr netaddr.Addr, _ int64, status transport.TransmissionStatus) {
		if status == transport.StatusSuccess {
			d.tasks.MarkAcceptedForExecution(uuid)
			d.emitTask(uuid)
			return
		}
		d.workers.SetState(addr, proto.WorkerNotAvailable)
		d.tasks.MarkPlacementFailed(uuid)
		d.emitWorker(addr)
		d.emitTask(uuid)
	})
}

// RunRetrySweep is one retry-sweep tick: expire tasks past
// timeout_task_placement, then attempt placement for every remaining
// eligible task, in insertion (FIFO) order. Exported so sweep.go's gocron
// job, and tests, can invoke a single tick deterministically.
func (d *Dispatcher) RunRetrySweep() {
	now := d.now()

	for _, uuid := range d.tasks.ExpireOlderThan(d.opts.TimeoutTaskPlacement, now) {
		d.logger.Info("task expired: placement timeout", zap.String("task_uuid", uuid))
		d.emitTask(uuid)
		if d.metrics != nil {
			d.metrics.TaskExpired()
		}
	}

	for _, rec := range d.tasks.PlacementCandidates() {
		if d.metrics != nil {
			d.metrics.PlacementRetry()
		}
		d.tryPlace(rec.Key.UUID())
	}
}

// RunLivenessSweep is one liveness-sweep tick: probe every worker whose
// last_update_tm is older than inactivity_timeout with a status command; a
// successful ack refreshes the timestamp, a failed one marks the worker
// not_available.
func (d *Dispatcher) RunLivenessSweep() {
	cutoff := d.now().Add(-d.opts.InactivityTimeout)
	for _, rec := range d.workers.StaleBefore(cutoff) {
		addr := rec.Addr
		d.engine.SendCommand(addr, proto.MethodStatus, []byte("{}"), func(a netaddr.Addr, _ int64, status transport.TransmissionStatus) {
			if status == transport.StatusSuccess {
				d.workers.Touch(a)
				d.emitWorker(a)
				return
			}
			d.workers.SetState(a, proto.WorkerNotAvailable)
			d.emitWorker(a)
		})
	}
}
