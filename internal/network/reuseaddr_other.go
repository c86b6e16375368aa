//go:build !linux && !windows

package network

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
