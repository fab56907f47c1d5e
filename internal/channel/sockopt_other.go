//go:build !linux && !darwin && !freebsd

package channel

import "syscall"

// socketControl is a no-op where IP_TOS cannot be set portably.
func socketControl(bool) func(network, address string, rc syscall.RawConn) error {
	return nil
}
