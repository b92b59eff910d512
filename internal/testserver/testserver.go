// Package testserver spins up a throwaway QUIC echo server for exercising
// internal/qconn and internal/connection against a real quic-go peer
// instead of a fake, grounded on pkg/transport/udp's ephemeral-certificate
// listener setup.
package testserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	quic "github.com/quic-go/quic-go"

	"qcm/pkg/crypto"
)

// Server is a bare QUIC listener that echoes every byte it reads on each
// accepted stream back to the sender, closing the stream's write side on
// EOF. It exists purely to give tests something real to dial.
type Server struct {
	AppProto string

	udp      *net.UDPConn
	listener *quic.Listener
	cancel   context.CancelFunc
}

// Start binds an ephemeral UDP port on loopback and begins accepting QUIC
// connections advertising appProto as the single supported ALPN value.
func Start(appProto string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("testserver: resolve: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("testserver: listen udp: %w", err)
	}

	cert, err := crypto.GenerateSelfSigned(appProto)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("testserver: generating certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{appProto},
	}

	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, &quic.Config{})
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("testserver: quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{AppProto: appProto, udp: udp, listener: ln, cancel: cancel}
	go s.acceptLoop(ctx)
	return s, nil
}

// Addr returns the server's dialable UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.udp.LocalAddr().(*net.UDPAddr)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go echo(stream)
	}
}

func echo(stream *quic.Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = stream.Close()
			return
		}
	}
}

// Close stops accepting and releases the UDP socket.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	_ = s.udp.Close()
	return err
}
