package sshcache

import (
	"fmt"
	"net"
	"time"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/log"
)

// WaitReady polls until an authenticated SSH connection to
// 127.0.0.1:port succeeds or the deadline passes: first a plain TCP
// connect, then a full handshake with the configured key. Polling backs
// off from 150ms to 500ms after the first five seconds. alive, when
// non-nil, aborts the wait early if the QEMU child has already exited.
func WaitReady(port int, user string, timeout time.Duration, cfg Config, alive func() bool) error {
	logger := log.WithComponent("sshready")
	start := time.Now()

	for time.Since(start) < timeout {
		if err := tryConnect(port, user, cfg); err == nil {
			logger.Info().
				Int("ssh_port", port).
				Dur("waited", time.Since(start)).
				Msg("SSH connection ready")
			return nil
		}

		if alive != nil && !alive() {
			return errkit.Upstream("qemu process died while waiting for ssh")
		}

		if time.Since(start) < 5*time.Second {
			time.Sleep(150 * time.Millisecond)
		} else {
			time.Sleep(500 * time.Millisecond)
		}
	}

	return errkit.Timeout(fmt.Sprintf("ssh not ready after %s", timeout))
}

func tryConnect(port int, user string, cfg Config) error {
	// TCP open first; cheaper than a failed handshake while the guest
	// is still booting.
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return err
	}
	conn.Close()

	probeCfg := cfg
	probeCfg.ConnectTimeout = 3 * time.Second
	client, err := Dial("127.0.0.1", port, user, probeCfg)
	if err != nil {
		return err
	}
	client.Close()
	return nil
}
