//go:build linux

package network

import "syscall"

// reuseAddrControl sets SO_REUSEADDR before bind so a restarted relay can
// take its port back while old sockets sit in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
