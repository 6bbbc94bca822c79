// Package model defines shared types for the proxy.
package model

import (
	"net"
	"net/netip"
	"strconv"
)

// Destination is the address/port a client originally dialed before redirection.
type Destination struct {
	Addr netip.AddrPort
}

// DestinationFrom converts a net.Addr into a Destination. It returns false
// for non-TCP/UDP addresses or addresses without a valid IP.
func DestinationFrom(a net.Addr) (Destination, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return Destination{Addr: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, ap.IsValid()
	case *net.UDPAddr:
		ap := v.AddrPort()
		return Destination{Addr: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, ap.IsValid()
	}
	return Destination{}, false
}

// String returns the destination as host:port.
func (d Destination) String() string {
	if !d.Addr.IsValid() {
		return "invalid"
	}
	return net.JoinHostPort(d.Addr.Addr().String(), strconv.Itoa(int(d.Addr.Port())))
}

// IsValid reports whether the destination carries a usable address and a non-zero port.
func (d Destination) IsValid() bool {
	return d.Addr.IsValid() && d.Addr.Port() != 0
}

// State is a connection's position in the handler state machine.
type State int

const (
	StateResolving State = iota
	StateAwaitingHeader
	StateForwarding
	StateRelaying
	StateClosed
	StateAborted
)

var stateNames = [...]string{
	StateResolving:      "resolving",
	StateAwaitingHeader: "awaiting_header",
	StateForwarding:     "forwarding",
	StateRelaying:       "relaying",
	StateClosed:         "closed",
	StateAborted:        "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// AbortCause is the bounded label recorded when a connection is aborted.
type AbortCause string

const (
	CauseResolution          AbortCause = "resolution"
	CauseUpstreamUnreachable AbortCause = "upstream_unreachable"
	CauseHeaderTimeout       AbortCause = "header_timeout"
	CauseIO                  AbortCause = "io"
)

// PassthroughReason is the bounded label recorded when a request is relayed unmodified.
type PassthroughReason string

const (
	PassNotHTTP    PassthroughReason = "not_http"
	PassTooLarge   PassthroughReason = "too_large"
	PassAbsent     PassthroughReason = "absent"
	PassKept       PassthroughReason = "kept"
	PassIncomplete PassthroughReason = "incomplete"
)

// RejectReason is the bounded label recorded when a connection is refused at accept time.
type RejectReason string

const (
	RejectCapacity RejectReason = "capacity"
	RejectRate     RejectReason = "rate"
)
