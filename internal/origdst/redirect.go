package origdst

import (
	"fmt"
	"net"

	"ua-rewrite-proxy/internal/model"
)

// Redirect recovers the destination recorded by the kernel's NAT table for
// connections redirected with iptables/nftables REDIRECT or DNAT rules.
type Redirect struct{}

// Resolve implements Resolver.
func (Redirect) Resolve(conn net.Conn) (model.Destination, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return model.Destination{}, fmt.Errorf("%w: %T is not a TCP connection", ErrResolution, conn)
	}
	d, err := originalDst(tc)
	if err != nil {
		return model.Destination{}, fmt.Errorf("%w: %w", ErrResolution, err)
	}
	if !d.IsValid() {
		return model.Destination{}, fmt.Errorf("%w: kernel returned %s", ErrResolution, d)
	}
	if err := checkRedirected(conn, d); err != nil {
		return model.Destination{}, err
	}
	return d, nil
}
