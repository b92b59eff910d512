// Package client implements ClientEndpoint: one accepted local-IPC
// socket, its control-frame parser, and the single staged payload it
// hands off to its owning Connection per event iteration.
package client

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"qcm/internal/ipc"
	"qcm/internal/qerr"
	"qcm/internal/token"
)

// stageBufSize is the 64 KiB read-accumulation buffer spec.md §3 names.
const stageBufSize = 64 * 1024

// Endpoint is one client process's local-IPC connection.
type Endpoint struct {
	Sock  *net.UnixConn
	Token token.Token

	r   *bufio.Reader
	buf [stageBufSize]byte
	n   int // bytes valid in buf
}

// New wraps an accepted unix socket as an Endpoint.
func New(sock *net.UnixConn, tok token.Token) *Endpoint {
	return &Endpoint{Sock: sock, Token: tok, r: bufio.NewReader(sock)}
}

// ProcessControlMsg implements spec.md §4.3's process_control_msg: read
// a 4-byte command, and for DATA, a 4-byte big-endian length followed
// by a best-effort one-shot read of the payload into buf. Returns the
// number of payload bytes staged, or 0 with a nil error on a clean
// peer departure (command read returned EOF at the very first byte).
func (e *Endpoint) ProcessControlMsg() (int, error) {
	cmd, ok, err := ipc.ReadCommand(e.r)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", qerr.ErrMalformedControl, err)
	}
	if !ok {
		return 0, nil // peer closed the socket
	}

	switch cmd {
	case ipc.CmdData:
		var lenBuf [4]byte
		if _, err := io.ReadFull(e.r, lenBuf[:]); err != nil {
			return 0, fmt.Errorf("%w: short DATA length field: %s", qerr.ErrMalformedControl, err)
		}
		length := binary.BigEndian.Uint32(lenBuf[:])

		// Best-effort one-shot payload read into the staging buffer.
		// Per spec.md §9 this is a documented limitation: a short read
		// here silently truncates rather than looping until length
		// bytes are consumed or EOF.
		want := int(length)
		if want > len(e.buf) {
			want = len(e.buf)
		}
		n, err := e.r.Read(e.buf[:want])
		if err != nil && n == 0 {
			return 0, fmt.Errorf("%w: reading DATA payload: %s", qerr.ErrMalformedControl, err)
		}
		e.n = n
		return n, nil
	default:
		return 0, fmt.Errorf("%w: unknown command %q", qerr.ErrMalformedControl, cmd)
	}
}

// FetchDataBuf hands the caller the staged bytes and resets the cursor.
func (e *Endpoint) FetchDataBuf() (int, []byte) {
	n := e.n
	e.n = 0
	return n, e.buf[:n]
}

// DeliverData writes a DATA frame (header then payload) to the socket.
func (e *Endpoint) DeliverData(payload []byte) error {
	return ipc.WriteData(e.Sock, payload)
}

// SendOK writes an OKOK frame.
func (e *Endpoint) SendOK() error {
	return ipc.WriteOK(e.Sock)
}

// SendError writes an ERRO frame with msg.
func (e *Endpoint) SendError(msg string) error {
	return ipc.WriteError(e.Sock, msg)
}

// Close closes the underlying socket. The caller is responsible for
// freeing Token with the Manager's allocator.
func (e *Endpoint) Close() error {
	return e.Sock.Close()
}
