// Package qcmclient is the thin client library every process sharing a
// destination through the daemon links against. It is a consumer of
// internal/ipc's wire format only; it carries no daemon-side logic,
// mirroring the two-function Dial/ListenAndServe shape of the teacher's
// pkg/net package scaled down to this module's single Conn type.
package qcmclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/muesli/cancelreader"

	"qcm/internal/ipc"
)

// Conn is one admitted client's end of the local-IPC control socket. It
// satisfies io.ReadWriteCloser: Write frames a DATA message, Read
// unframes the next DATA payload the daemon delivers.
type Conn struct {
	sock   *net.UnixConn
	r      *bufio.Reader
	cancel cancelreader.CancelReader
}

// Connect dials the daemon's control socket, sends a CONN frame for
// address/appProto, and waits for the admission reply. A non-nil error
// wraps the daemon's ERRO message when admission is refused.
func Connect(ctx context.Context, socketPath, address, appProto string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("qcmclient: dialing %s: %w", socketPath, err)
	}
	sock, ok := raw.(*net.UnixConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("qcmclient: unexpected connection type %T", raw)
	}

	if err := ipc.WriteConn(sock, address, appProto); err != nil {
		sock.Close()
		return nil, fmt.Errorf("qcmclient: sending CONN: %w", err)
	}

	// r is built from the cancelable reader (falling back to sock
	// directly if the platform doesn't support one) so Close can
	// interrupt a Read blocked waiting on the daemon, the same way
	// pkg/pipeio.Stdio.Read routes through its cancellableStdin.
	var reader io.Reader = sock
	cancel, err := cancelreader.NewReader(sock)
	if err == nil {
		reader = cancel
	} else {
		cancel = nil
	}
	r := bufio.NewReader(reader)

	cmd, ok2, err := ipc.ReadCommand(r)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("qcmclient: reading admission reply: %w", err)
	}
	if !ok2 {
		sock.Close()
		return nil, fmt.Errorf("qcmclient: daemon closed the connection before replying")
	}
	if cmd == ipc.CmdErr {
		msg, _ := r.ReadString(0) // ERRO carries no length prefix; read until the daemon closes the socket
		sock.Close()
		return nil, fmt.Errorf("qcmclient: admission refused: %s", msg)
	}
	if cmd != ipc.CmdOK {
		sock.Close()
		return nil, fmt.Errorf("qcmclient: unexpected admission reply %q", cmd)
	}

	return &Conn{sock: sock, r: r, cancel: cancel}, nil
}

// Write sends p as a single DATA frame.
func (c *Conn) Write(p []byte) (int, error) {
	if err := ipc.WriteData(c.sock, p); err != nil {
		return 0, fmt.Errorf("qcmclient: writing DATA: %w", err)
	}
	return len(p), nil
}

// Read blocks for the next DATA or OKOK frame from the daemon and
// unframes it into p, returning the number of payload bytes copied. An
// OKOK acknowledgement (the daemon's reply to a write) yields (0, nil)
// so callers can loop without mistaking it for a payload.
func (c *Conn) Read(p []byte) (int, error) {
	cmd, ok, err := ipc.ReadCommand(c.r)
	if err != nil {
		return 0, fmt.Errorf("qcmclient: reading frame: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("qcmclient: %w", errClosed)
	}

	switch cmd {
	case ipc.CmdOK:
		return 0, nil
	case ipc.CmdErr:
		msg, _ := c.r.ReadString(0)
		return 0, fmt.Errorf("qcmclient: daemon reported: %s", msg)
	case ipc.CmdData:
		length, err := readDataLength(c.r)
		if err != nil {
			return 0, err
		}
		n := int(length)
		if n > len(p) {
			// p too small for this frame: remaining bytes are left
			// unread, same short-read-truncates tradeoff the daemon's
			// own ClientEndpoint makes on the other side of the socket.
			n = len(p)
		}
		read, err := readFull(c.r, p[:n])
		return read, err
	default:
		return 0, fmt.Errorf("qcmclient: unexpected frame %q", cmd)
	}
}

// readDataLength reads the 4-byte big-endian length following a DATA
// command word already consumed by ReadCommand.
func readDataLength(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("qcmclient: reading DATA length: %w", err)
		}
		buf[i] = b
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var errClosed = fmt.Errorf("daemon closed the connection")

// Close cancels any pending Read and closes the underlying socket.
func (c *Conn) Close() error {
	if c.cancel != nil {
		c.cancel.Cancel()
	}
	return c.sock.Close()
}
