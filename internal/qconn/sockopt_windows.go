//go:build windows

package qconn

import "syscall"

// controlReuseAddr sets SO_REUSEADDR on the dial-side UDP socket. Windows
// version, since golang.org/x/sys/unix is unix-only.
func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
