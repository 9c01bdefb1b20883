//go:build !windows

package redirector

import (
	"net"
	"testing"
	"time"

	"github.com/mpbridge/mpbridge/internal/supervisor"
	"github.com/mpbridge/mpbridge/internal/vserial"
)

func TestRawRedirectorEchoesChildOutput(t *testing.T) {
	sup := supervisor.New([]string{"/bin/cat"}, "")
	child, err := sup.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer sup.Cleanup()

	vs := vserial.New(child)
	clientSide, serverSide := net.Pipe()
	r := NewRaw(vs, serverSide, sup)

	done := make(chan struct{})
	go func() {
		r.Shortcircuit()
		close(done)
	}()

	if _, err := clientSide.Write([]byte("hello\n")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 256)
	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := clientSide.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if len(got) >= len("hello\n") {
			break
		}
		if err != nil {
			break
		}
	}

	if string(got) != "hello\n" {
		t.Fatalf("expected echoed %q, got %q", "hello\n", got)
	}

	clientSide.Close()
	<-done
}

func TestSoftRebootReplaysFriendlyBanner(t *testing.T) {
	sup := supervisor.New([]string{"/bin/sh", "-c", "exit 0"}, "")
	child, err := sup.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer sup.Cleanup()

	vs := vserial.New(child)
	clientSide, serverSide := net.Pipe()
	r := NewRaw(vs, serverSide, sup)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !vs.HasProcessExited() {
		time.Sleep(5 * time.Millisecond)
	}
	if !vs.HasProcessExited() {
		t.Fatal("expected initial child to exit")
	}

	done := make(chan struct{})
	go func() {
		r.Shortcircuit()
		close(done)
	}()

	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 256)
	n, err := clientSide.Read(buf)
	if err != nil {
		t.Fatalf("expected to read soft reboot banner, got error: %v", err)
	}
	if got := string(buf[:n]); got != friendlySoftRebootBanner {
		t.Fatalf("expected friendly banner %q, got %q", friendlySoftRebootBanner, got)
	}

	clientSide.Close()
	<-done
}
