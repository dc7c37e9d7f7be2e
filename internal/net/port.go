// Package net has small networking helpers shared by tests and examples.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free TCP port on the loopback
// interface. The port is released before returning, so there is a small
// window in which something else can grab it.
func GetEphemeralTCPPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
