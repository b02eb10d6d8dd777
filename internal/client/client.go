// Package client implements the task-generator role: it mints tasks with a
// monotonically increasing task_id, submits them with an ack callback used
// purely for local logging, and resolves local records on notify_task.
package client

import (
	"context"
	"encoding/json"
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
	DefaultGenerationIntervalMin = 500 * time.Millisecond
	DefaultGenerationIntervalMax = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	// GenerationIntervalMin/Max bound the uniform random delay between
	// successive generated tasks.
	GenerationIntervalMin time.Duration
	GenerationIntervalMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.GenerationIntervalMin <= 0 {
		o.GenerationIntervalMin = DefaultGenerationIntervalMin
	}
	if o.GenerationIntervalMax <= 0 {
		o.GenerationIntervalMax = DefaultGenerationIntervalMax
	}
	if o.GenerationIntervalMax < o.GenerationIntervalMin {
		o.GenerationIntervalMax = o.GenerationIntervalMin
	}
	return o
}

// TaskRecord is the client's local bookkeeping for one generated task.
type TaskRecord struct {
	TaskID    int64
	Resolved  bool
	CreatedTm time.Time
	DoneTm    time.Time
}

// Client generates tasks and submits them to a dispatcher over the
// reliable transport engine, driven by a background generator goroutine
// shaped like the worker's own heartbeat loop.
type Client struct {
	opts       Options
	engine     *transport.Engine
	dispatcher netaddr.Addr
	logger     *zap.Logger

	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*TaskRecord
	order  []int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Client that submits tasks to dispatcher over engine.
// engine.AddHandlerRequest is called with the client's routing table.
func New(engine *transport.Engine, dispatcher netaddr.Addr, opts Options, logger *zap.Logger) *Client {
	c := &Client{
		opts:       opts.withDefaults(),
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger.Named("client"),
		tasks:      make(map[int64]*TaskRecord),
		stopCh:     make(chan struct{}),
	}
	engine.AddHandlerRequest(c.handleMessage)
	return c
}

// Start launches the background task generator. Call Shutdown to stop it.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.generateLoop(ctx)
}

func (c *Client) generateLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		d := c.opts.GenerationIntervalMin
		if span := c.opts.GenerationIntervalMax - c.opts.GenerationIntervalMin; span > 0 {
			d += time.Duration(rand.Int63n(int64(span)))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(d):
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.generateTask()
	}
}

// generateTask creates the next task record and submits it via add_task.
func (c *Client) generateTask() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.tasks[id] = &TaskRecord{TaskID: id, CreatedTm: time.Now()}
	c.order = append(c.order, id)
	c.mu.Unlock()

	payload, err := json.Marshal(proto.AddTaskParams{TaskID: id})
	if err != nil {
		c.logger.Error("failed to encode add_task", zap.Error(err))
		return
	}

	c.logger.Debug("generated task", zap.Int64("task_id", id))
	c.engine.SendCommand(c.dispatcher, proto.MethodAddTask, payload, func(_ netaddr.Addr, _ int64, status transport.TransmissionStatus) {
		if status == transport.StatusSuccess {
			c.logger.Debug("task accepted by dispatcher", zap.Int64("task_id", id))
		} else {
			c.logger.Debug("failed to deliver task to dispatcher", zap.Int64("task_id", id))
		}
	})
}

// handleMessage is the single inbound request handler registered with the
// transport engine, routing notify_task.
func (c *Client) handleMessage(addr netaddr.Addr, method string, params, _ []byte) ([]byte, bool) {
	if method != proto.MethodNotifyTask {
		c.logger.Warn("unrecognised method", zap.String("peer", addr.String()), zap.String("method", method))
		return nil, true
	}
	return c.notifyTaskHandler(params)
}

// notifyTaskHandler marks the matching local record resolved. An unknown
// task_id is logged and not retried. Marking an already-resolved record is
// a no-op, so duplicate notify_task deliveries are harmless.
func (c *Client) notifyTaskHandler(params []byte) ([]byte, bool) {
	var p proto.NotifyTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed notify_task params", zap.Error(err))
		return nil, true
	}

	c.mu.Lock()
	rec, ok := c.tasks[p.TaskID]
	if ok && !rec.Resolved {
		rec.Resolved = true
		rec.DoneTm = time.Now()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Error("notify_task for unknown task_id", zap.Int64("task_id", p.TaskID))
	} else {
		c.logger.Debug("task resolved", zap.Int64("task_id", p.TaskID))
	}
	return nil, true
}

// Snapshot returns a copy of every client task record, in creation order,
// for tests and inspection.
func (c *Client) Snapshot() []TaskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.tasks[id])
	}
	return out
}

// Shutdown stops the task generator loop and waits for it to exit.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}
