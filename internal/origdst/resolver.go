// Package origdst recovers the destination a redirected client originally dialed.
package origdst

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"ua-rewrite-proxy/internal/model"
)

// ErrResolution is returned when the original destination cannot be recovered.
var ErrResolution = errors.New("original destination unavailable")

// Resolver recovers the pre-redirection destination of an accepted connection.
type Resolver interface {
	Resolve(conn net.Conn) (model.Destination, error)
}

// Mode names a resolver variant in configuration.
type Mode string

const (
	// ModeRedirect reads the NAT-recorded destination (iptables/nftables REDIRECT).
	ModeRedirect Mode = "redirect"
	// ModeTProxy uses the accepted socket's local address (TPROXY, pf rdr-to).
	ModeTProxy Mode = "tproxy"
	// ModeStatic sends every connection to a fixed target.
	ModeStatic Mode = "static"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeRedirect, ModeTProxy, ModeStatic:
		return m, nil
	}
	return "", fmt.Errorf("unknown resolver mode %q", s)
}

// New returns the Resolver for mode. staticTarget is only used by ModeStatic.
func New(mode Mode, staticTarget string) (Resolver, error) {
	switch mode {
	case ModeRedirect:
		return Redirect{}, nil
	case ModeTProxy:
		return LocalAddr{}, nil
	case ModeStatic:
		return NewStatic(staticTarget)
	}
	return nil, fmt.Errorf("unknown resolver mode %q", mode)
}

// LocalAddr resolves to the accepted socket's local address. With TPROXY
// and BSD rdr-to rules the socket is bound to the original destination.
type LocalAddr struct{}

// Resolve implements Resolver.
func (LocalAddr) Resolve(conn net.Conn) (model.Destination, error) {
	d, ok := model.DestinationFrom(conn.LocalAddr())
	if !ok || !d.IsValid() {
		return model.Destination{}, fmt.Errorf("%w: local address %v", ErrResolution, conn.LocalAddr())
	}
	return d, nil
}

// Static resolves every connection to the same target.
type Static struct {
	dst model.Destination
}

// NewStatic parses target as ip:port.
func NewStatic(target string) (*Static, error) {
	addr, err := net.ResolveTCPAddr("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("static target %q: %w", target, err)
	}
	d, ok := model.DestinationFrom(addr)
	if !ok || !d.IsValid() {
		return nil, fmt.Errorf("static target %q: missing address or port", target)
	}
	return &Static{dst: d}, nil
}

// Resolve implements Resolver.
func (s *Static) Resolve(net.Conn) (model.Destination, error) {
	return s.dst, nil
}

// checkRedirected rejects a destination equal to the proxy's own listening
// address: the connection reached the proxy directly and relaying it would loop.
func checkRedirected(conn net.Conn, d model.Destination) error {
	local, ok := model.DestinationFrom(conn.LocalAddr())
	if ok && local == d {
		return fmt.Errorf("%w: connection to %s was not redirected", ErrResolution, d)
	}
	return nil
}
