package qemu

import "net"

// PickFreePort binds an ephemeral localhost TCP port and releases it.
// Two concurrent picks get distinct ports because the kernel hands out
// distinct ephemeral binds; no retry window is needed.
func PickFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}
