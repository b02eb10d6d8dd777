// Package transport implements reliable, callback-delivered, at-least-once
// unicast command delivery: a correlation-ID-based ack/retransmit engine
// running over an unreliable UDP socket, with a single registered inbound
// request handler.
//
// Outstanding commands are tracked one-per-tick with insertion-order
// fairness and exactly-once callback delivery, in a mutex-guarded registry
// driven from a single worker goroutine.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
)

// DefaultTimeout is the socket receive poll interval, and therefore also
// the pacing interval between retransmission attempts.
const DefaultTimeout = 50 * time.Millisecond

// DefaultMaxAttempts is the default bound on transmission attempts (the
// first send included) before a command's callback fires with
// StatusFailure.
const DefaultMaxAttempts = 3

// RequestHandler processes an inbound request or no_answer packet and
// optionally returns data to ack back to the sender. ack false means
// "no response"; for a Request packet, the sender will retry until
// attempts are exhausted. ack true with a nil result sends an empty ack.
type RequestHandler func(addr netaddr.Addr, method string, params, incoming []byte) (result []byte, ack bool)

// Options configures an Engine. Timeout defaults to DefaultTimeout when
// left zero. MaxAttempts has no implicit default: a zero value is a valid,
// meaningful boundary configuration (every command fails immediately), so
// callers that want DefaultMaxAttempts must set it explicitly. The CLI
// layer (cmd/*) does this via its flag defaults.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Engine binds a UDP socket and drives the reliable delivery loop. The
// zero value is not usable; create instances with New.
type Engine struct {
	conn    *net.UDPConn
	timeout time.Duration
	// maxAttempts is compared against attempts *before* incrementing, so a
	// value of 0 means every command fails on the first pump tick without
	// ever transmitting.
	maxAttempts int

	logger *zap.Logger

	mu    sync.Mutex
	cmds  map[commandKey]*outstandingCommand
	order []commandKey

	handlerMu sync.RWMutex
	handler   RequestHandler

	nextID int64 // monotonic per-sender counter, guarded by mu

	metrics MetricsSink

	stopOnce sync.Once
	stopCh   chan struct{}
}

// MetricsSink receives counters for every transmission attempt and every
// attempt-exhaustion failure the engine produces. Optional; an Engine with
// no sink registered simply skips the calls. Defined here rather than
// imported from internal/admin so the transport package stays free of any
// dependency on the observability surface; the CLI layer wires a concrete
// admin.Metrics value in via SetMetrics.
type MetricsSink interface {
	CommandAttempt()
	CommandFailure()
}

// SetMetrics installs sink to receive transmission-attempt and
// attempt-exhaustion counters. Safe to call once before Serve starts.
func (e *Engine) SetMetrics(sink MetricsSink) {
	e.metrics = sink
}

// New binds a UDP socket at bindAddr ("" host means wildcard, port 0 means
// an ephemeral port chosen by the OS) and returns a ready Engine. Call
// Serve to start the I/O loop.
func New(bindAddr netaddr.Addr, opts Options, logger *zap.Logger) (*Engine, error) {
	opts = opts.withDefaults()

	conn, err := net.ListenUDP("udp", bindAddr.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to bind %s: %w", bindAddr, err)
	}

	e := &Engine{
		conn:        conn,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		logger:      logger.Named("transport"),
		cmds:        make(map[commandKey]*outstandingCommand),
		stopCh:      make(chan struct{}),
	}
	e.handler = e.defaultHandler

	e.logger.Debug("socket bound", zap.String("local_addr", conn.LocalAddr().String()))
	return e, nil
}

// LocalAddr returns the resolved local endpoint, useful when bound to an
// ephemeral port.
func (e *Engine) LocalAddr() netaddr.Addr {
	return netaddr.FromUDPAddr(e.conn.LocalAddr().(*net.UDPAddr))
}

// AddHandlerRequest installs the single inbound handler. Subsequent
// inbound requests and no_answer packets are routed to it; a nil callback
// is rejected.
func (e *Engine) AddHandlerRequest(h RequestHandler) {
	if h == nil {
		panic("transport: AddHandlerRequest called with a nil handler")
	}
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
}

func (e *Engine) defaultHandler(addr netaddr.Addr, method string, params, _ []byte) ([]byte, bool) {
	e.logger.Warn("no request handler registered", zap.String("peer", addr.String()), zap.String("method", method))
	return nil, false
}

// Serve runs the I/O loop until the context is cancelled or Shutdown is
// called. Each tick pumps at most one pending outbound command and then
// attempts to receive one datagram within the configured timeout.
func (e *Engine) Serve(ctx context.Context) error {
	buf := make([]byte, MaxPayloadBytes*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		default:
		}

		e.pumpOne()

		if err := e.conn.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
			return fmt.Errorf("transport: failed to set read deadline: %w", err)
		}

		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-e.stopCh:
				return nil
			default:
			}
			e.logger.Debug("read error", zap.Error(err))
			continue
		}

		e.handleDatagram(netaddr.FromUDPAddr(raddr), append([]byte(nil), buf[:n]...))
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// handleDatagram decodes, validates, and routes one received datagram.
func (e *Engine) handleDatagram(addr netaddr.Addr, data []byte) {
	pkt, err := Decode(data)
	if err != nil {
		e.logger.Warn("dropping undecodable datagram", zap.String("peer", addr.String()), zap.Error(err))
		return
	}
	if err := pkt.Validate(); err != nil {
		e.logger.Warn("dropping invalid packet", zap.String("peer", addr.String()), zap.Error(err))
		return
	}

	if pkt.PacketType == Response {
		e.processAnswerConfirmation(addr, pkt)
		return
	}

	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()

	result, ack := e.invokeHandler(h, addr, pkt, data)
	if ack && pkt.PacketType == Request {
		e.confirmMessage(addr, pkt, result)
	}
}

// invokeHandler calls the registered handler inside a panic barrier: a
// panicking handler is logged and treated as "no ack", so the sender
// retries rather than crashing the I/O loop.
func (e *Engine) invokeHandler(h RequestHandler, addr netaddr.Addr, pkt Packet, raw []byte) (result []byte, ack bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request handler panicked",
				zap.String("peer", addr.String()),
				zap.String("method", pkt.Method),
				zap.Any("panic", r),
			)
			result, ack = nil, false
		}
	}()
	return h(addr, pkt.Method, pkt.Params, raw)
}

// confirmMessage sends the response ack for a received request, echoing
// its transmission_id and attaching result if present.
func (e *Engine) confirmMessage(addr netaddr.Addr, pkt Packet, result []byte) {
	reply := Packet{
		PacketType:     Response,
		TransmissionID: pkt.TransmissionID,
		Method:         pkt.Method,
		Result:         result,
	}
	if err := e.transmit(addr, reply); err != nil {
		e.logger.Warn("failed to send ack", zap.String("peer", addr.String()), zap.Error(err))
	}
}

// processAnswerConfirmation looks up the outstanding command matching an
// inbound response and fires its callback with success exactly once.
// Unsolicited responses are logged and dropped; they never reach the
// application handler.
func (e *Engine) processAnswerConfirmation(addr netaddr.Addr, pkt Packet) {
	key := keyFor(addr, pkt.TransmissionID)

	e.mu.Lock()
	cmd, ok := e.cmds[key]
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("unsolicited response dropped",
			zap.String("peer", addr.String()),
			zap.Int64("transmission_id", pkt.TransmissionID),
		)
		return
	}

	e.fireCallback(cmd, StatusSuccess)

	e.mu.Lock()
	delete(e.cmds, key)
	e.mu.Unlock()
}

// fireCallback invokes cmd.callback inside a panic barrier; a panicking
// callback is logged but never prevents cleanup of the outstanding-command
// table.
func (e *Engine) fireCallback(cmd *outstandingCommand, status TransmissionStatus) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command callback panicked",
				zap.String("peer", cmd.addr.String()),
				zap.Int64("transmission_id", cmd.transmissionID),
				zap.Any("panic", r),
			)
		}
	}()
	if cmd.callback != nil {
		cmd.callback(cmd.addr, cmd.transmissionID, status)
	}
}

// pumpOne processes at most one outstanding command per tick, in insertion
// order. The loop's receive timeout paces retransmissions: a command
// transmitted this tick is re-examined no sooner than one timeout later.
// Commands whose attempts are already exhausted are collected and their
// failure callbacks are invoked outside the lock, after removal from the
// table.
func (e *Engine) pumpOne() {
	var failed []*outstandingCommand

	e.mu.Lock()
	var transmitted *outstandingCommand
	i := 0
	for i < len(e.order) {
		key := e.order[i]
		cmd, ok := e.cmds[key]
		if !ok {
			// Already removed (acked or previously failed); compact as we go.
			e.order = append(e.order[:i], e.order[i+1:]...)
			continue
		}

		if cmd.attempts >= e.maxAttempts {
			failed = append(failed, cmd)
			delete(e.cmds, key)
			e.order = append(e.order[:i], e.order[i+1:]...)
			continue
		}

		transmitted = cmd
		cmd.attempts++
		i++
		break
	}
	e.mu.Unlock()

	if transmitted != nil {
		e.sendOutstanding(transmitted)
		if e.metrics != nil {
			e.metrics.CommandAttempt()
		}
	}

	for _, cmd := range failed {
		e.fireCallback(cmd, StatusFailure)
		if e.metrics != nil {
			e.metrics.CommandFailure()
		}
	}
}

func (e *Engine) sendOutstanding(cmd *outstandingCommand) {
	pkt := Packet{
		PacketType:     Request,
		TransmissionID: cmd.transmissionID,
		Method:         cmd.data.Method,
		Params:         cmd.data.Params,
	}
	if err := e.transmit(cmd.addr, pkt); err != nil {
		// The command remains enqueued and will be retried on the next
		// tick; the attempt counter has already advanced.
		e.logger.Warn("failed to transmit command, will retry",
			zap.String("peer", cmd.addr.String()),
			zap.String("method", cmd.data.Method),
			zap.Error(err),
		)
	}
}

func (e *Engine) transmit(addr netaddr.Addr, pkt Packet) error {
	data, err := Encode(pkt)
	if err != nil {
		return err
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("transport: encoded packet exceeds %d bytes (%d)", MaxPayloadBytes, len(data))
	}
	_, err = e.conn.WriteToUDP(data, addr.UDPAddr())
	return err
}

// SendCommand enqueues an acknowledged command and returns immediately.
// callback fires exactly once, either with StatusSuccess when the matching
// response arrives, or StatusFailure once attempts are exhausted.
func (e *Engine) SendCommand(addr netaddr.Addr, method string, params []byte, callback Callback) {
	e.mu.Lock()
	id := e.generateTransmissionID()
	key := keyFor(addr, id)
	e.cmds[key] = &outstandingCommand{
		addr:           addr,
		transmissionID: id,
		data:           commandData{Method: method, Params: params},
		callback:       callback,
	}
	e.order = append(e.order, key)
	e.mu.Unlock()
}

// SendCommandWithoutConfirmation serialises and sends data once, with no
// retries and no callback. Socket errors are logged and dropped.
func (e *Engine) SendCommandWithoutConfirmation(addr netaddr.Addr, method string, params []byte) {
	pkt := Packet{PacketType: NoAnswer, Method: method, Params: params}
	if err := e.transmit(addr, pkt); err != nil {
		e.logger.Warn("send_command_without_confirmation failed",
			zap.String("peer", addr.String()),
			zap.String("method", method),
			zap.Error(err),
		)
	}
}

// generateTransmissionID returns a strictly monotonic, per-engine
// correlation id. Caller must hold e.mu. A process-local counter rather
// than the wall clock, so a clock step-back can never produce a collision
// or a non-monotonic id.
func (e *Engine) generateTransmissionID() int64 {
	e.nextID++
	return e.nextID
}

// Shutdown stops the I/O loop and closes the socket. immediate has no
// semantic effect on the engine itself; the flag exists so enclosing
// components (worker, client) can propagate their own immediate-shutdown
// semantics.
func (e *Engine) Shutdown(immediate bool) {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.conn.Close()
	})
}
