//go:build !windows

package ptyproc

import (
	"strings"
	"testing"
	"time"
)

func TestSpawnReadWrite(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh"}, "")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	if n := p.Write([]byte("echo hello\n")); n == 0 {
		t.Fatal("Write returned 0 bytes accepted")
	}

	deadline := time.Now().Add(5 * time.Second)
	var output strings.Builder
	for time.Now().Before(deadline) {
		data := p.Read(4096, 100*time.Millisecond)
		output.Write(data)
		if strings.Contains(output.String(), "hello") {
			return
		}
	}
	t.Fatalf("did not observe echoed output, got: %q", output.String())
}

func TestIsAliveAndPoll(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh", "-c", "exit 0"}, "")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.IsAlive() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.IsAlive() {
		t.Fatal("expected child to have exited")
	}
	code, exited := p.Poll()
	if !exited {
		t.Fatal("Poll should report exited")
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh"}, "")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestReadAfterCloseReturnsEmpty(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh"}, "")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	p.Close()

	if data := p.Read(64, 50*time.Millisecond); len(data) != 0 {
		t.Errorf("expected empty read after close, got %q", data)
	}
	if n := p.Write([]byte("x")); n != 0 {
		t.Errorf("expected 0 bytes written after close, got %d", n)
	}
}
