//go:build !unix

package relay

import (
	"errors"
	"io"
	"net"
	"syscall"
)

func isPeerGone(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
