//go:build !linux

package origdst

import (
	"errors"
	"net"

	"ua-rewrite-proxy/internal/model"
)

func originalDst(*net.TCPConn) (model.Destination, error) {
	return model.Destination{}, errors.ErrUnsupported
}
