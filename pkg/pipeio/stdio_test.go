package pipeio

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/muesli/cancelreader"
)

func TestNewStdio(t *testing.T) {
	t.Parallel()

	stdio := NewStdio()

	if stdio == nil {
		t.Fatal("NewStdio() returned nil")
	}
	if stdio.stdin == nil {
		t.Error("NewStdio() stdin is nil")
	}
	if stdio.stdout == nil {
		t.Error("NewStdio() stdout is nil")
	}
}

func TestStdio_Close(t *testing.T) {
	t.Parallel()

	stdio := NewStdio()

	if err := stdio.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStdio_Read(t *testing.T) {
	t.Parallel()

	testData := []byte("test input")
	stdio := &Stdio{
		stdin:  bytes.NewReader(testData),
		stdout: io.Discard,
	}

	buf := make([]byte, 1024)
	n, err := stdio.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read() error = %v", err)
	}
	if n != len(testData) {
		t.Errorf("Read() read %d bytes, want %d", n, len(testData))
	}
	if !bytes.Equal(buf[:n], testData) {
		t.Errorf("Read() = %q, want %q", buf[:n], testData)
	}
}

func TestStdio_ReadWithCancellable(t *testing.T) {
	t.Parallel()

	testData := []byte("test input")
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	defer r.Close()
	defer w.Close()

	cr, err := cancelreader.NewReader(r)
	if err != nil {
		t.Skipf("Cannot create cancelreader on this platform: %v", err)
	}

	stdio := &Stdio{
		stdin:            r,
		cancellableStdin: cr,
		stdout:           os.Stdout,
	}

	go func() {
		w.Write(testData)
		w.Close()
	}()

	buf := make([]byte, 1024)
	n, err := stdio.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read() error = %v", err)
	}
	if n != len(testData) {
		t.Errorf("Read() read %d bytes, want %d", n, len(testData))
	}
	if !bytes.Equal(buf[:n], testData) {
		t.Errorf("Read() = %q, want %q", buf[:n], testData)
	}
}

func TestStdio_Write(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	stdio := &Stdio{
		stdin:  bytes.NewReader(nil),
		stdout: &out,
	}

	testData := []byte("test output")
	n, err := stdio.Write(testData)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(testData) {
		t.Errorf("Write() wrote %d bytes, want %d", n, len(testData))
	}
	if out.String() != string(testData) {
		t.Errorf("Write() wrote %q, want %q", out.String(), testData)
	}
}

func TestStdio_CloseWithCancellable(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	defer r.Close()
	defer w.Close()

	cr, err := cancelreader.NewReader(r)
	if err != nil {
		t.Skipf("Cannot create cancelreader on this platform: %v", err)
	}

	stdio := &Stdio{
		stdin:            r,
		cancellableStdin: cr,
		stdout:           os.Stdout,
	}

	if err := stdio.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	buf := make([]byte, 10)
	_, err = stdio.Read(buf)
	if err == nil {
		t.Error("Expected error after Close(), got nil")
	}
}
