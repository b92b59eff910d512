package manager

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"qcm/internal/config"
	"qcm/internal/ipc"
	"qcm/internal/testserver"
	"qcm/pkg/log"
)

const testAppProto = "qcm-test"

func newTestDaemon(t *testing.T) *config.Daemon {
	t.Helper()
	cfg := config.New()
	cfg.SocketPath = filepath.Join(t.TempDir(), "qcm-control")
	cfg.IdleTimeout = 2 * time.Second
	cfg.Logger = log.NewLogger(false)
	return cfg
}

func dialControlSocket(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	// The Manager's listener is bound in New, before the test starts Run
	// on its own goroutine; the brief retry only guards against a dial
	// that fails transiently.
	var (
		c   *net.UnixConn
		err error
	)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err == nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dialing control socket %s: %s", path, err)
	return nil
}

func TestManager_EndToEndClientDataRoundTrip(t *testing.T) {
	srv, err := testserver.Start(testAppProto)
	if err != nil {
		t.Fatalf("starting test server: %s", err)
	}
	defer srv.Close()

	cfg := newTestDaemon(t)

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	sock := dialControlSocket(t, cfg.SocketPath)
	defer sock.Close()

	if err := ipc.WriteConn(sock, srv.Addr().String(), testAppProto); err != nil {
		t.Fatalf("WriteConn: %s", err)
	}

	r := bufio.NewReader(sock)
	cmd, ok, err := ipc.ReadCommand(r)
	if err != nil || !ok {
		t.Fatalf("reading admission reply: ok=%v err=%s", ok, err)
	}
	if cmd != ipc.CmdOK {
		t.Fatalf("want OKOK after CONN, got %q", cmd)
	}

	payload := []byte("hello from client")
	if err := ipc.WriteData(sock, payload); err != nil {
		t.Fatalf("WriteData: %s", err)
	}

	cmd, ok, err = ipc.ReadCommand(r)
	if err != nil || !ok || cmd != ipc.CmdOK {
		t.Fatalf("want OKOK after DATA, got cmd=%q ok=%v err=%s", cmd, ok, err)
	}

	// The test server echoes every byte it reads back on the same
	// stream, so the daemon should deliver it back as its own DATA frame.
	length, err := ipc.ReadDataHeader(r)
	if err != nil {
		t.Fatalf("reading echoed DATA header: %s", err)
	}
	got := make([]byte, length)
	if _, err := readFull(r, got); err != nil {
		t.Fatalf("reading echoed payload: %s", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("want echoed payload %q, got %q", payload, got)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}

	if _, err := os.Stat(cfg.SocketPath); err == nil {
		t.Fatalf("want control socket unlinked after shutdown")
	}
}

func TestManager_RejectsMismatchedAppProtoOnSharedConnection(t *testing.T) {
	srv, err := testserver.Start(testAppProto)
	if err != nil {
		t.Fatalf("starting test server: %s", err)
	}
	defer srv.Close()

	cfg := newTestDaemon(t)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	first := dialControlSocket(t, cfg.SocketPath)
	defer first.Close()
	if err := ipc.WriteConn(first, srv.Addr().String(), testAppProto); err != nil {
		t.Fatalf("WriteConn first: %s", err)
	}
	r1 := bufio.NewReader(first)
	if cmd, ok, err := ipc.ReadCommand(r1); err != nil || !ok || cmd != ipc.CmdOK {
		t.Fatalf("first client admission failed: cmd=%q ok=%v err=%s", cmd, ok, err)
	}

	second := dialControlSocket(t, cfg.SocketPath)
	defer second.Close()
	if err := ipc.WriteConn(second, srv.Addr().String(), "a-different-proto"); err != nil {
		t.Fatalf("WriteConn second: %s", err)
	}
	r2 := bufio.NewReader(second)
	cmd, ok, err := ipc.ReadCommand(r2)
	if err != nil || !ok || cmd != ipc.CmdErr {
		t.Fatalf("want ERRO for a mismatched app_proto on a shared destination, got cmd=%q ok=%v err=%s", cmd, ok, err)
	}
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
