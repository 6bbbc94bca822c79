//go:build !linux

package origdst

import "syscall"

// Outside Linux, pf rdr-to and ipfw fwd deliver to an ordinary listener.
func transparentControl(string, string, syscall.RawConn) error { return nil }
