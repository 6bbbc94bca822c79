package origdst

import (
	"net"
	"time"
)

// ListenConfig returns the listener configuration suited to mode. TPROXY
// listeners must accept connections addressed to foreign IPs.
func ListenConfig(mode Mode, keepAlive time.Duration) net.ListenConfig {
	lc := net.ListenConfig{KeepAlive: keepAlive}
	if mode == ModeTProxy {
		lc.Control = transparentControl
	}
	return lc
}
