// Package event defines the types posted onto the Manager's fan-in
// channel by the dumb I/O goroutines (accept loop, per-client socket
// readers, per-stream QUIC readers, and the handshake/close watchers).
// OS signals and the GC sweep ticker are watched directly in Manager's
// own select statement rather than funneled through this channel. The
// Manager's single dispatcher goroutine is the only consumer of the
// channel; it is therefore the sole owner and mutator of every
// Connection and ClientEndpoint it dispatches to, matching the
// single-threaded cooperative model of spec.md §5.
package event

import (
	"net"

	"qcm/internal/token"
)

// Kind identifies which dispatch branch an Event belongs to.
type Kind int

const (
	// Accept is a newly accepted local-IPC socket awaiting admission.
	Accept Kind = iota
	// ClientData reports a DATA control message successfully staged by
	// a client (spec.md §4.2: "on positive bytes write OKOK back ...
	// after the iteration call send_one").
	ClientData
	// ClientDeparted reports a client socket returned EOF.
	ClientDeparted
	// ClientError reports a malformed control message from a client;
	// only that client is aborted (spec.md §7).
	ClientError
	// StreamData is a payload the QUIC engine delivered on a stream.
	StreamData
	// StreamClosed reports that a stream's read side hit EOF/error.
	StreamClosed
	// Established reports a Connection's handshake completed.
	Established
	// ConnClosed reports a Connection's QUIC state reached Closed.
	ConnClosed
)

// Event is the single type flowing through the Manager's fan-in
// channel. Only the fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// Accept
	Sock *net.UnixConn

	// ClientData / ClientDeparted / ClientError / StreamData /
	// StreamClosed / Established / ConnClosed
	ConnToken token.Token

	// ClientData / ClientDeparted / ClientError / StreamData / StreamClosed
	StreamID uint64
	Payload  []byte

	// ClientError
	Err error
}
