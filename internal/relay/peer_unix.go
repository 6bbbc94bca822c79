//go:build unix

package relay

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// isPeerGone reports errors that mean the connection was torn down rather
// than failed: a local close after the other direction ended, or a reset.
func isPeerGone(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE)
}
