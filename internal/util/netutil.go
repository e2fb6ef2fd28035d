package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// CreateListener opens a TCP listener with SO_REUSEADDR set, so a restarted
// daemon can rebind while old connections sit in TIME_WAIT.
func CreateListener(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	l, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	if sockErr != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", sockErr)
	}
	return nil
}

// IsAddrInUse reports whether err was caused by the address already being bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
