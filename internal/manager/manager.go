// Package manager implements Manager, the daemon's single-threaded
// readiness-driven dispatcher (spec.md §4.1). It is the sole owner and
// mutator of the destination-key -> Connection map and the
// TokenAllocator; every Connection/ClientEndpoint it dispatches to is
// touched exclusively from the one dispatcher goroutine started by Run.
package manager

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"qcm/internal/config"
	"qcm/internal/connection"
	"qcm/internal/event"
	"qcm/internal/ipc"
	"qcm/internal/qconn"
	"qcm/internal/qerr"
	"qcm/internal/token"
	"qcm/pkg/log"
	"qcm/pkg/semaphore"
)

// gcSweepInterval is the Manager's periodic "nothing else happened"
// tick. It plays the role spec.md §4.1's single-timer-min poll deadline
// plays in the original design: when no events arrive before it fires,
// every live Connection gets a chance to notice its QUIC engine closed
// (§8 property 10). quic-go drives its own retransmission/idle timers
// internally, so there is no per-Connection Duration to take a minimum
// over here; a fixed short sweep stands in for it.
const gcSweepInterval = 500 * time.Millisecond

// connEntry pairs a Connection with the reverse lookup the dispatcher
// needs to resolve a ConnToken carried on an Event.
type connEntry struct {
	key  string // destination key, for the conns map
	conn *connection.Connection
}

// Manager is the daemon singleton described in spec.md §3.
type Manager struct {
	cfg      *config.Daemon
	tokens   *token.Allocator
	listener *net.UnixListener

	conns     map[string]*connection.Connection // destination key -> Connection
	connByTok map[token.Token]*connEntry
	events    chan event.Event
	logger    *log.Logger
	qcfg      qconn.Config
	connSem   *semaphore.ConnSemaphore // bounds distinct live destinations
}

// New binds the local-IPC listener at cfg.SocketPath. A pre-existing
// socket at that path is removed first, matching the single-daemon
// invariant of spec.md §5 ("only one daemon instance may run per
// path"): a stale file from an unclean previous exit must not block a
// fresh bind.
func New(cfg *config.Daemon) (*Manager, error) {
	_ = os.Remove(cfg.SocketPath)

	restore := restrictSocketPerms()
	defer restore()

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("qcm: binding %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("qcm: chmod %s: %w", cfg.SocketPath, err)
	}

	qcfg := qconn.DefaultConfig()
	qcfg.IdleTimeout = cfg.IdleTimeout
	qcfg.MaxIncomingStreams = int64(cfg.MaxStreams)

	return &Manager{
		cfg:       cfg,
		tokens:    token.New(),
		listener:  l,
		conns:     make(map[string]*connection.Connection),
		connByTok: make(map[token.Token]*connEntry),
		events:    make(chan event.Event, 256),
		logger:    cfg.Logger,
		qcfg:      qcfg,
		connSem:   semaphore.New(cfg.MaxConnections, cfg.DialTimeout),
	}, nil
}

// Run is spec.md §4.1's run(): it blocks until ctx is cancelled or a
// termination signal arrives, then unwinds every Connection and
// unlinks the IPC endpoint.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 2)
	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP)
	}
	signal.Notify(sig, sigs...)
	defer signal.Stop(sig)

	go m.acceptLoop(ctx)

	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-sig:
			m.logger.InfoMsg("Signal received, shutting down\n")
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.dispatch(ctx, ev)
			m.gc()
		case <-ticker.C:
			m.gc()
		}
	}
}

// acceptLoop is the dumb I/O goroutine backing the listener token: it
// never touches Manager state directly, only posts Accept events.
func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.logger.VerboseMsg("accept: %s", err)
				return
			}
		}
		select {
		case m.events <- event.Event{Kind: event.Accept, Sock: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// dispatch is the single mutator of all Manager/Connection/
// ClientEndpoint state, run exclusively on Run's goroutine. Ordering
// within one call matches spec.md §5: the event itself already picked
// the phase (admission vs. per-connection handling); everything below
// runs to completion before the next event is read from the channel.
func (m *Manager) dispatch(ctx context.Context, ev event.Event) {
	switch ev.Kind {
	case event.Accept:
		m.acceptIncoming(ctx, ev.Sock)

	case event.Established:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			e.conn.MarkEstablished()
		}

	case event.ConnClosed:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			e.conn.MarkClosed("connection closed")
		}

	case event.ClientData:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			if err := e.conn.HandleClientData(ev.StreamID, ev.Payload); err != nil {
				m.logger.VerboseMsg("qcm: %s", err)
				e.conn.MarkClosed(err.Error())
			}
		}

	case event.ClientError:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			if tok, ok := e.conn.HandleClientError(ev.StreamID, ev.Err); ok {
				m.tokens.Free(tok)
			}
		}

	case event.ClientDeparted:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			if tok, ok := e.conn.HandleClientDeparted(ev.StreamID); ok {
				m.tokens.Free(tok)
			}
		}

	case event.StreamData:
		if e, ok := m.connByTok[ev.ConnToken]; ok {
			e.conn.HandleStreamData(ev.StreamID, ev.Payload)
		}

	case event.StreamClosed:
		// A stream's read side closing does not by itself mean the
		// client departed (the client's control socket is the
		// authority on that, per spec.md §4.3); nothing to do here
		// beyond what HandleStreamData already recorded.
	}
}

// acceptIncoming implements spec.md §4.1's accept_incoming.
func (m *Manager) acceptIncoming(ctx context.Context, sock *net.UnixConn) {
	buf := make([]byte, ipc.MaxControlFrame)
	n, err := sock.Read(buf)
	if err != nil {
		m.logger.VerboseMsg("qcm: reading CONN: %s", err)
		sock.Close()
		return
	}

	req, err := ipc.ParseConn(buf[:n])
	if err != nil {
		_ = ipc.WriteError(sock, err.Error())
		sock.Close()
		return
	}

	tok := m.tokens.Allocate()

	conn, ok := m.conns[req.Address]
	if !ok {
		if err := m.connSem.Acquire(ctx); err != nil {
			m.tokens.Free(tok)
			_ = ipc.WriteError(sock, fmt.Sprintf("too many live destinations: %s", err))
			sock.Close()
			return
		}

		c, err := connection.New(ctx, req.Address, req.AppProto, m.cfg.DefaultPort, m.tokens.Allocate(), m.qcfg, m.events, m.logger)
		if err != nil {
			m.connSem.Release()
			m.tokens.Free(tok)
			_ = ipc.WriteError(sock, fmt.Sprintf("%s: %s", qerr.ErrQUICFatal, err))
			sock.Close()
			return
		}
		m.conns[req.Address] = c
		m.connByTok[c.Token] = &connEntry{key: req.Address, conn: c}
		conn = c
	}

	if err := conn.AddClient(ctx, sock, req.AppProto, tok); err != nil {
		m.tokens.Free(tok)
		m.logger.VerboseMsg("qcm: admission rejected: %s", err)
	}
}

// gc removes every Connection whose QUIC state has reached Closed,
// per spec.md §4.1 ("garbage-collected after every iteration").
func (m *Manager) gc() {
	for key, c := range m.conns {
		if c.IsClosed() {
			delete(m.conns, key)
			delete(m.connByTok, c.Token)
			m.tokens.Free(c.Token)
			m.connSem.Release()
		}
	}
}

// shutdown closes every live Connection and unlinks the IPC socket.
func (m *Manager) shutdown() {
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
	_ = m.listener.Close()
	_ = os.Remove(m.cfg.SocketPath)
}
