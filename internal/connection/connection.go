// Package connection implements Connection: one shared QUIC connection
// to one remote destination, multiplexing every client process that
// targets that destination onto its own bidirectional stream.
package connection

import (
	"context"
	"fmt"
	"net"

	quic "github.com/quic-go/quic-go"

	"qcm/internal/client"
	"qcm/internal/event"
	"qcm/internal/ipc"
	"qcm/internal/qconn"
	"qcm/internal/qerr"
	"qcm/internal/token"
	"qcm/pkg/format"
	"qcm/pkg/log"
)

// State is a Connection's lifecycle state. Transitions are monotonic:
// Connecting -> Established -> Closed, never backwards.
type State int

const (
	Connecting State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// firstStreamID is the first client-initiated bidirectional stream id
// this daemon assigns; it strides by 4 thereafter (spec.md §9).
const firstStreamID = 4

// Connection owns one QUIC engine and the set of ClientEndpoints
// sharing it. It exclusively owns its client map; no back-pointers are
// kept, per spec.md §3's ownership summary.
type Connection struct {
	Address  string // the destination key, verbatim as received
	AppProto string
	Token    token.Token

	engine  *qconn.Engine
	state   State
	clients map[uint64]*client.Endpoint
	pending map[uint64][]byte // stream id -> bytes not yet delivered
	nextID  uint64

	streams map[uint64]*quic.Stream

	events chan<- event.Event
	logger *log.Logger
}

// New resolves address to its first IPv4 result, dials a fresh QUIC
// engine, and returns a Connection in state Connecting. It registers
// watcher goroutines that post Established/ConnClosed events to
// events once the underlying engine reports them.
func New(ctx context.Context, address, appProto string, defaultPort int, tok token.Token, cfg qconn.Config, events chan<- event.Event, logger *log.Logger) (*Connection, error) {
	remote, err := qconn.ResolveFirstIPv4(ctx, address, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", qerr.ErrAddressResolution, err)
	}

	engine, err := qconn.Dial(ctx, remote, appProto, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", qerr.ErrQUICFatal, err)
	}
	logger.VerboseMsg("qcm: dialing %s for %q (local %s)", format.Addr(remote.IP.String(), remote.Port), address, engine.LocalAddr())

	c := &Connection{
		Address:  address,
		AppProto: appProto,
		Token:    tok,
		engine:   engine,
		state:    Connecting,
		clients:  make(map[uint64]*client.Endpoint),
		pending:  make(map[uint64][]byte),
		nextID:   firstStreamID,
		streams:  make(map[uint64]*quic.Stream),
		events:   events,
		logger:   logger,
	}

	go func() {
		select {
		case <-engine.AwaitEstablished():
			events <- event.Event{Kind: event.Established, ConnToken: tok}
		case <-engine.AwaitClosed():
			events <- event.Event{Kind: event.ConnClosed, ConnToken: tok}
		}
	}()
	go func() {
		<-engine.AwaitClosed()
		events <- event.Event{Kind: event.ConnClosed, ConnToken: tok}
	}()
	// The second watcher is intentionally redundant with the first's
	// AwaitClosed branch: if the handshake completes first, the first
	// goroutine exits without ever observing the later close, so this
	// one still reports it.

	return c, nil
}

// IsClosed reports whether the QUIC connection has closed; the Manager
// garbage-collects a Connection once this is true (spec.md §4.2).
func (c *Connection) IsClosed() bool {
	return c.state == Closed || c.engine.IsClosed()
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// ClientCount returns the number of clients currently attached.
func (c *Connection) ClientCount() int { return len(c.clients) }

// MarkEstablished performs the Connecting -> Established transition and
// fans OKOK out to every already-waiting client, per spec.md §4.2's
// Datagram pump (inbound) step. It is a no-op once already established
// or closed, preserving the monotonic state machine invariant.
func (c *Connection) MarkEstablished() {
	if c.state != Connecting {
		return
	}
	c.state = Established
	for _, ep := range c.clients {
		if err := ep.SendOK(); err != nil {
			c.logger.VerboseMsg("qcm: sending OKOK to client: %s", err)
		}
	}
}

// MarkClosed performs the any -> Closed transition and delivers ERRO to
// every attached client, per spec.md §7's "QUIC fatals abort all
// clients of the affected Connection" policy.
func (c *Connection) MarkClosed(reason string) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	for _, ep := range c.clients {
		if err := ep.SendError(reason); err != nil {
			c.logger.VerboseMsg("qcm: delivering ERRO to client: %s", err)
		}
		_ = ep.Close()
	}
}

// AddClient implements spec.md §4.2's add_client. tok has already been
// allocated by the Manager's TokenAllocator, which exclusively owns it
// (spec.md §3's ownership summary).
func (c *Connection) AddClient(ctx context.Context, sock *net.UnixConn, appProto string, tok token.Token) error {
	if appProto != c.AppProto {
		_ = ipc.WriteError(sock, fmt.Sprintf("app_proto %q does not match connection's %q", appProto, c.AppProto))
		_ = sock.Close()
		return fmt.Errorf("%w: %q != %q", qerr.ErrAdmissionMismatch, appProto, c.AppProto)
	}

	stream, err := c.engine.OpenStream(ctx)
	if err != nil {
		_ = ipc.WriteError(sock, "failed to open stream")
		_ = sock.Close()
		return fmt.Errorf("%w: opening stream: %s", qerr.ErrQUICFatal, err)
	}

	streamID := c.nextID
	c.nextID += 4

	ep := client.New(sock, tok)
	c.clients[streamID] = ep
	c.streams[streamID] = stream

	events, connTok := c.events, c.Token

	// Stream reader: forwards QUIC-delivered bytes into the event bus,
	// routed through the engine's StreamRecv rather than the *quic.Stream
	// directly, matching StreamSend's indirection in HandleClientData
	// below. Only this goroutine ever touches the stream's read side.
	engine := c.engine
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, fin, err := engine.StreamRecv(stream, buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				events <- event.Event{Kind: event.StreamData, ConnToken: connTok, StreamID: streamID, Payload: payload}
			}
			if fin || err != nil {
				events <- event.Event{Kind: event.StreamClosed, ConnToken: connTok, StreamID: streamID}
				return
			}
		}
	}()

	// Client-socket reader: the only goroutine that ever calls methods
	// on this Endpoint's read side (ProcessControlMsg/FetchDataBuf), so
	// its internal staging buffer is never touched concurrently. Every
	// payload is copied out before being handed to the dispatcher,
	// since the buffer is reused on the very next loop iteration.
	go func() {
		for {
			n, perr := ep.ProcessControlMsg()
			if perr != nil {
				events <- event.Event{Kind: event.ClientError, ConnToken: connTok, StreamID: streamID, Err: perr}
				return
			}
			if n == 0 {
				events <- event.Event{Kind: event.ClientDeparted, ConnToken: connTok, StreamID: streamID}
				return
			}
			_, staged := ep.FetchDataBuf()
			payload := make([]byte, len(staged))
			copy(payload, staged)
			events <- event.Event{Kind: event.ClientData, ConnToken: connTok, StreamID: streamID, Payload: payload}
		}
	}()

	if c.state == Established {
		if err := ep.SendOK(); err != nil {
			c.logger.VerboseMsg("qcm: sending OKOK on admission: %s", err)
		}
	}

	return nil
}

// HandleClientData implements the positive-read branch of spec.md
// §4.2's process_events for a client socket: reply OKOK, then push the
// already-staged payload into the client's stream (send_one).
func (c *Connection) HandleClientData(streamID uint64, payload []byte) error {
	ep, ok := c.clients[streamID]
	if !ok {
		return nil // client already removed this iteration
	}
	if err := ep.SendOK(); err != nil {
		c.logger.VerboseMsg("qcm: sending OKOK after DATA: %s", err)
	}

	stream := c.streams[streamID]
	if stream == nil {
		return fmt.Errorf("qcm: no stream for id %d", streamID)
	}
	if _, err := c.engine.StreamSend(stream, payload); err != nil {
		return fmt.Errorf("%w: stream_send: %s", qerr.ErrQUICFatal, err)
	}
	return nil
}

// HandleClientError implements the malformed-control-message branch of
// spec.md §7: a parse error aborts only the offending client. It
// returns the client's token so the Manager's allocator — which
// exclusively owns every token — can free it.
func (c *Connection) HandleClientError(streamID uint64, cause error) (token.Token, bool) {
	ep, ok := c.clients[streamID]
	if !ok {
		return 0, false
	}
	if err := ep.SendError(cause.Error()); err != nil {
		c.logger.VerboseMsg("qcm: delivering ERRO after parse failure: %s", err)
	}
	_ = ep.Close()
	c.RemoveClient(streamID)
	return ep.Token, true
}

// HandleClientDeparted implements spec.md §4.2's "on 0 bytes returned
// treat the client as departed": close its socket, drop it from the
// client map, and return its token for the Manager to free.
func (c *Connection) HandleClientDeparted(streamID uint64) (token.Token, bool) {
	ep, ok := c.clients[streamID]
	if !ok {
		return 0, false
	}
	_ = ep.Close()
	c.RemoveClient(streamID)
	return ep.Token, true
}

// RemoveClient drops streamID's bookkeeping. The caller is responsible
// for freeing the client's token with the Manager's allocator.
func (c *Connection) RemoveClient(streamID uint64) {
	delete(c.clients, streamID)
	delete(c.streams, streamID)
	// c.pending[streamID] is intentionally left in place: spec.md §9
	// documents that unowned stream ids accumulate forever, since a
	// policy for capping or discarding them is not currently defined.
}

// HandleStreamData implements spec.md §4.2's Readable-streams step for
// one delivered chunk: append to the per-stream accumulation, then
// deliver the whole accumulation to the owning client as one DATA
// frame. The accumulation is cleared once that write succeeds; if the
// write fails, the accumulation is kept in full.
func (c *Connection) HandleStreamData(streamID uint64, chunk []byte) {
	c.pending[streamID] = append(c.pending[streamID], chunk...)

	ep, ok := c.clients[streamID]
	if !ok {
		// Unowned stream id: data is retained in the accumulation map.
		// Admitting a later client against this id is not supported
		// by this design (spec.md §4.2).
		c.logger.VerboseMsg("qcm: data for unowned stream %d retained (%d bytes pending)", streamID, len(c.pending[streamID]))
		return
	}

	buf := c.pending[streamID]
	if len(buf) == 0 {
		return
	}
	if err := ep.DeliverData(buf); err != nil {
		c.logger.VerboseMsg("qcm: delivering data to client: %s", err)
		return
	}
	c.pending[streamID] = nil
}

// Close tears down the engine and every attached client.
func (c *Connection) Close() error {
	c.MarkClosed("connection closing")
	return c.engine.Close(0x0, "closing")
}
