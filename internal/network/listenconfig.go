package network

import (
	"net"
	"time"
)

// ListenKeepAlive is the TCP keep-alive period for accepted client sockets.
const ListenKeepAlive = 30 * time.Second

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding where the platform supports it.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control:   reuseAddrControl,
		KeepAlive: ListenKeepAlive,
	}
}
