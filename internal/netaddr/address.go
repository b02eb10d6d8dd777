// Package netaddr resolves and keys network endpoints used throughout
// taskmesh. Hostnames are resolved to numeric form once, at construction of
// any outbound target, so that callers and acknowledgements compare equal;
// the (address, transmission_id) composite used by the transport engine
// would otherwise be unreliable across DNS round-robin or case differences.
package netaddr

import (
	"fmt"
	"net"
)

// Addr is a resolved (host, port) endpoint. Host is always a numeric IP
// string after Resolve, so two Addrs referring to the same peer always
// compare equal, which is required for the outstanding-command table key
// and for worker/task registry lookups.
type Addr struct {
	Host string
	Port int
}

// Resolve looks up host and returns an Addr with the numeric IP form.
// If host is empty (a wildcard bind address), it is returned unresolved;
// wildcard binds are never used as a lookup key for an outbound peer.
func Resolve(host string, port int) (Addr, error) {
	if host == "" {
		return Addr{Host: "", Port: port}, nil
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return Addr{}, fmt.Errorf("netaddr: failed to resolve %q: %w", host, err)
	}
	return Addr{Host: ips[0], Port: port}, nil
}

// String renders the endpoint as "host:port", suitable for net.Dial-style
// APIs and for log fields.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// UDPAddr converts to *net.UDPAddr for use with net.PacketConn.WriteTo.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.Host), Port: a.Port}
}

// FromUDPAddr builds an Addr from a *net.UDPAddr as returned by ReadFrom.
// The IP is already numeric, so no resolution is needed.
func FromUDPAddr(u *net.UDPAddr) Addr {
	return Addr{Host: u.IP.String(), Port: u.Port}
}
