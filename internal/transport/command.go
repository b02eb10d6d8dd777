package transport

import (
	"encoding/json"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
)

// Callback is invoked exactly once for a command enqueued via
// Engine.SendCommand, with the final delivery status.
type Callback func(addr netaddr.Addr, transmissionID int64, status TransmissionStatus)

// commandData is the method+params pair a command carries; the envelope
// fields (packet_type, transmission_id) are attached by the engine when the
// command is transmitted, not stored redundantly here.
type commandData struct {
	Method string
	Params json.RawMessage
}

// outstandingCommand is one entry per in-flight request awaiting its
// response. Mutated only by the engine's single I/O loop; the map it lives
// in is guarded by Engine.mu.
type outstandingCommand struct {
	addr           netaddr.Addr
	transmissionID int64
	data           commandData
	callback       Callback
	attempts       int
}

// commandKey is the uniqueness domain for outstanding commands: the
// (resolved host, port, transmission_id) composite.
type commandKey struct {
	host           string
	port           int
	transmissionID int64
}

func keyFor(addr netaddr.Addr, transmissionID int64) commandKey {
	return commandKey{host: addr.Host, port: addr.Port, transmissionID: transmissionID}
}
