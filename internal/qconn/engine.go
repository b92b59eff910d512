// Package qconn wraps github.com/quic-go/quic-go behind the small surface
// internal/connection needs: dial a destination, open streams, read the
// handshake-complete signal, and learn about a fatal close. quic-go owns
// its own internal I/O and timer goroutines (unlike the caller-driven,
// manual-packet-pump QUIC library the spec's black-box contract in §6.3
// is modeled on), so this package is also where that translation lives:
// the handshake-complete and close notifications are each watched by a
// small goroutine that reports back over a channel. Dial, OpenStream,
// StreamSend and StreamRecv are plain blocking calls on the caller's
// goroutine.
package qconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// controlReuseAddr is platform-specific; see sockopt_unix.go / sockopt_windows.go.

// Config mirrors the knobs spec.md §4.2 names for a new Connection.
type Config struct {
	IdleTimeout         time.Duration // 50s
	InitialConnWindow   uint64        // 10 MB
	InitialStreamWindow uint64        // 1 MB
	MaxIncomingStreams  int64         // 100
	Allow0RTT           bool          // early data enabled
	InsecureSkipVerify  bool          // peer certificate verification disabled
}

// DefaultConfig returns the spec's defaults (§4.2 Connection::new).
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         50 * time.Second,
		InitialConnWindow:   10 << 20,
		InitialStreamWindow: 1 << 20,
		MaxIncomingStreams:  100,
		Allow0RTT:           true,
		InsecureSkipVerify:  true,
	}
}

// Engine is one QUIC connection to one remote destination.
type Engine struct {
	udp    *net.UDPConn
	qc     *quic.Conn
	closed chan struct{}
}

// ResolveFirstIPv4 resolves address to its first IPv4 result, per spec.md
// §4.2 and §9 ("the first resolved IPv4 is used"; IPv6/multi-address
// fallback is deferred). address may already be an IP:port; host without
// a port gets defaultPort appended.
func ResolveFirstIPv4(ctx context.Context, address string, defaultPort int) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		portStr = fmt.Sprintf("%d", defaultPort)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("qconn: resolve %q: %w", host, err)
	}

	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			port := defaultPort
			if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
				port = defaultPort
			}
			return &net.UDPAddr{IP: v4, Port: port}, nil
		}
	}

	return nil, fmt.Errorf("qconn: %w: no IPv4 address found for %q", errNoIPv4, host)
}

var errNoIPv4 = fmt.Errorf("address resolution failed")

// Dial binds a fresh UDP socket matching remote's address family,
// performs the QUIC handshake start, and returns an Engine in its
// initial (not-yet-established) state. The caller is responsible for
// registering udp.LocalAddr()'s socket with its own readiness source if
// it wants to observe raw datagrams directly; in the default wiring
// (internal/connection) all further progress is reported back via
// Engine's channel-based methods below, since quic-go drives the
// handshake and retransmission state machine on its own goroutines once
// Dial returns.
func Dial(ctx context.Context, remote *net.UDPAddr, appProto string, cfg Config) (*Engine, error) {
	bindAddr := "0.0.0.0:0"
	if remote.IP.To4() == nil {
		bindAddr = "[::]:0"
	}

	lc := net.ListenConfig{Control: controlReuseAddr}
	packetConn, err := lc.ListenPacket(ctx, "udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("qconn: bind udp socket: %w", err)
	}
	udp, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("qconn: expected *net.UDPConn, got %T", packetConn)
	}

	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         []string{appProto},
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:                 cfg.IdleTimeout,
		InitialStreamReceiveWindow:     cfg.InitialStreamWindow,
		InitialConnectionReceiveWindow: cfg.InitialConnWindow,
		MaxIncomingStreams:             cfg.MaxIncomingStreams,
		Allow0RTT:                      cfg.Allow0RTT,
		// Active connection migration is not exposed as a toggle in
		// quic-go's Config; it is off by default for a client dial
		// against a single fixed remote address, which matches the
		// spec's "active-migration disabled" requirement as-is.
	}

	tr := &quic.Transport{Conn: udp}
	qc, err := tr.Dial(ctx, remote, tlsConf, quicConf)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("qconn: dial %s: %w", remote, err)
	}

	return &Engine{udp: udp, qc: qc, closed: make(chan struct{})}, nil
}

// AwaitEstablished starts a goroutine that closes the returned channel
// once the handshake completes, or never closes it if the context is
// cancelled or the connection fails first (the caller also watches
// AwaitClosed).
func (e *Engine) AwaitEstablished() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-e.qc.HandshakeComplete():
			close(done)
		case <-e.qc.Context().Done():
		}
	}()
	return done
}

// AwaitClosed starts a goroutine that closes the returned channel once
// the QUIC connection reports closed (peer close, idle timeout, or a
// fatal local error).
func (e *Engine) AwaitClosed() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-e.qc.Context().Done()
		close(done)
	}()
	return done
}

// IsClosed reports whether the connection has already closed.
func (e *Engine) IsClosed() bool {
	select {
	case <-e.qc.Context().Done():
		return true
	default:
		return false
	}
}

// OpenStream opens a new client-initiated bidirectional stream. It can
// block briefly waiting for the peer's initial transport parameters to
// arrive, stalling the caller for up to one handshake round trip; unlike
// StreamRecv and the handshake/close watches, nothing drives this from a
// background goroutine, since the admitting client is itself waiting on
// the outcome and has nothing else useful to do meanwhile.
func (e *Engine) OpenStream(ctx context.Context) (*quic.Stream, error) {
	return e.qc.OpenStreamSync(ctx)
}

// StreamSend writes b to the stream, matching the black-box contract's
// stream_send(id, bytes, fin).
func (e *Engine) StreamSend(s *quic.Stream, b []byte) (int, error) {
	return s.Write(b)
}

// StreamRecv reads into b from the stream, matching the black-box
// contract's stream_recv(id, buf) -> (n, fin).
func (e *Engine) StreamRecv(s *quic.Stream, b []byte) (int, bool, error) {
	n, err := s.Read(b)
	fin := err != nil
	return n, fin, err
}

// Close closes the underlying QUIC connection and releases the UDP
// socket, matching the black-box contract's close(app, code, reason).
func (e *Engine) Close(code quic.ApplicationErrorCode, reason string) error {
	err := e.qc.CloseWithError(code, reason)
	_ = e.udp.Close()
	return err
}

// LocalAddr returns the local UDP 4-tuple endpoint this Engine is bound
// to, observable for property 7 (one UDP 4-tuple shared by all clients
// of a destination).
func (e *Engine) LocalAddr() net.Addr {
	return e.udp.LocalAddr()
}
