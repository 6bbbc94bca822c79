//go:build linux

package origdst

import (
	"encoding/binary"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"ua-rewrite-proxy/internal/model"
)

// ip6tSoOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSoOriginalDst = 80

// originalDst reads SO_ORIGINAL_DST (IPv4) or IP6T_SO_ORIGINAL_DST (IPv6).
// The IPv4 option returns a sockaddr_in, which fits in an ipv6_mreq; the
// IPv6 option returns a sockaddr_in6, which leads an ip6_mtuinfo.
func originalDst(tc *net.TCPConn) (model.Destination, error) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return model.Destination{}, err
	}

	v6 := false
	if la, ok := tc.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() == nil {
		v6 = true
	}

	var (
		d       model.Destination
		sockErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		if v6 {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, ip6tSoOriginalDst)
			if err != nil {
				sockErr = err
				return
			}
			sa := info.Addr
			// sin6_port is in network byte order; undo the native-endian load.
			var pb [2]byte
			binary.NativeEndian.PutUint16(pb[:], sa.Port)
			port := binary.BigEndian.Uint16(pb[:])
			d = model.Destination{Addr: netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), port)}
			return
		}
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			sockErr = err
			return
		}
		b := mreq.Multiaddr
		port := binary.BigEndian.Uint16(b[2:4])
		d = model.Destination{Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), port)}
	})
	if ctrlErr != nil {
		return model.Destination{}, ctrlErr
	}
	return d, sockErr
}
