//go:build linux || darwin || freebsd

package channel

import (
	"errors"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// iptosLowDelay is the IPTOS_LOWDELAY bit from RFC 1349. x/sys does not
// export the IPTOS_* values.
const iptosLowDelay = 0x10

// socketControl marks the socket IPTOS_LOWDELAY so control traffic gets
// low-latency treatment from routers that honour it.
func socketControl(lowDelay bool) func(network, address string, rc syscall.RawConn) error {
	if !lowDelay {
		return nil
	}
	return func(network, address string, rc syscall.RawConn) error {
		var opErr error
		err := rc.Control(func(fd uintptr) {
			v4 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, iptosLowDelay)
			if !strings.HasSuffix(network, "6") {
				opErr = v4
				return
			}
			v6 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, iptosLowDelay)
			if v4 != nil && v6 != nil {
				opErr = errors.Join(v4, v6)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
