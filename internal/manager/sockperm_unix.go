//go:build unix

package manager

import "golang.org/x/sys/unix"

// restrictSocketPerms narrows the umask for the duration of the bind so
// the control socket's file mode never has a window where it is
// world-accessible between creation and the later os.Chmod call. The
// daemon's only access control is filesystem permissions on this path.
func restrictSocketPerms() (restore func()) {
	old := unix.Umask(0o077)
	return func() { unix.Umask(old) }
}
