// Package ipc implements the local-IPC framing protocol QCM speaks over
// the unix control socket: CONN / DATA / OKOK / ERRO as defined in the
// spec's external interfaces section. All multi-byte integers are
// big-endian.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultSocketPath is the well-known local-IPC endpoint path.
	DefaultSocketPath = "/tmp/qcm-control"

	// DefaultPort is used when <address> in a CONN frame omits a port.
	DefaultPort = 7878

	// MaxControlFrame bounds the initial CONN read per the wire format.
	MaxControlFrame = 2048

	cmdConn = "CONN"
	cmdData = "DATA"
	cmdOK   = "OKOK"
	cmdErr  = "ERRO"
)

// ConnRequest is a parsed CONN control frame.
type ConnRequest struct {
	Address  string
	AppProto string
}

// ParseConn parses a raw CONN frame per the wire format:
// "CONN <address> <app_proto>" followed by optional whitespace.
// The first field must be the literal CONN; at least three
// whitespace-separated fields are required.
func ParseConn(raw []byte) (ConnRequest, error) {
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return ConnRequest{}, fmt.Errorf("ipc: CONN frame needs 3 fields, got %d", len(fields))
	}
	if fields[0] != cmdConn {
		return ConnRequest{}, fmt.Errorf("ipc: first field is %q, want %q", fields[0], cmdConn)
	}
	return ConnRequest{Address: fields[1], AppProto: fields[2]}, nil
}

// WriteConn writes a CONN frame to w.
func WriteConn(w io.Writer, address, appProto string) error {
	_, err := fmt.Fprintf(w, "%s %s %s", cmdConn, address, appProto)
	return err
}

// WriteDataHeader writes the 8-byte DATA header: "DATA" followed by the
// big-endian payload length.
func WriteDataHeader(w io.Writer, length uint32) error {
	var hdr [8]byte
	copy(hdr[:4], cmdData)
	binary.BigEndian.PutUint32(hdr[4:], length)
	_, err := w.Write(hdr[:])
	return err
}

// WriteData writes a full DATA frame (header plus payload) to w.
func WriteData(w io.Writer, payload []byte) error {
	if err := WriteDataHeader(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadDataHeader reads and validates the 8-byte DATA header, returning
// the declared payload length.
func ReadDataHeader(r io.Reader) (uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("ipc: reading DATA header: %w", err)
	}
	if string(hdr[:4]) != cmdData {
		return 0, fmt.Errorf("ipc: expected DATA header, got %q", hdr[:4])
	}
	return binary.BigEndian.Uint32(hdr[4:]), nil
}

// WriteOK writes an OKOK frame.
func WriteOK(w io.Writer) error {
	_, err := io.WriteString(w, cmdOK)
	return err
}

// WriteError writes an ERRO frame with the given diagnostic message.
func WriteError(w io.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "%s%s", cmdErr, msg)
	return err
}

// Command identifies the 4-byte word a control message opens with.
type Command string

const (
	CmdConn Command = cmdConn
	CmdData Command = cmdData
	CmdOK   Command = cmdOK
	CmdErr  Command = cmdErr
)

// ReadCommand reads exactly 4 bytes and returns them as a Command.
// io.EOF with zero bytes read is reported as (ok=false, err=nil) so
// callers can distinguish a clean peer departure from a short read.
func ReadCommand(r *bufio.Reader) (cmd Command, ok bool, err error) {
	var buf [4]byte
	n, err := io.ReadFull(r, buf[:])
	if n == 0 && err == io.EOF {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ipc: short command read (%d bytes): %w", n, err)
	}
	return Command(buf[:]), true, nil
}

// Reply is the first-class representation of what the daemon writes
// back after an inbound CONN or DATA frame: either OKOK or ERRO.
type Reply struct {
	OK      bool
	Message string
}

// WriteReply writes r as the corresponding OKOK or ERRO frame.
func WriteReply(w io.Writer, r Reply) error {
	if r.OK {
		return WriteOK(w)
	}
	return WriteError(w, r.Message)
}
