package vserial

import (
	"testing"
	"time"
)

// fakeReader is a minimal vserial.Reader double for exercising VirtualSerial
// without spawning a real child process.
type fakeReader struct {
	toRead [][]byte
	writes [][]byte
	alive  bool
	closed bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{alive: true}
}

func (f *fakeReader) Read(max int, timeout time.Duration) []byte {
	if len(f.toRead) == 0 {
		return nil
	}
	next := f.toRead[0]
	f.toRead = f.toRead[1:]
	if len(next) > max {
		next = next[:max]
	}
	return next
}

func (f *fakeReader) Write(data []byte) int {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data)
}

func (f *fakeReader) IsAlive() bool { return f.alive }

func (f *fakeReader) Close() error {
	f.closed = true
	f.alive = false
	return nil
}

func TestPendingBufferPrecedence(t *testing.T) {
	fr := newFakeReader()
	fr.toRead = [][]byte{[]byte("from pty")}
	vs := New(fr)

	vs.QueuePending([]byte("queued"))

	got := vs.ReadFromChild(64, 10*time.Millisecond)
	if string(got) != "queued" {
		t.Fatalf("expected pending bytes to be drained first, got %q", got)
	}

	got = vs.ReadFromChild(64, 10*time.Millisecond)
	if string(got) != "from pty" {
		t.Fatalf("expected pty bytes once pending drained, got %q", got)
	}
}

func TestInRawREPLTrackingFromChildOutput(t *testing.T) {
	fr := newFakeReader()
	fr.toRead = [][]byte{
		[]byte("raw REPL; CTRL-B to exit\r\n>"),
		[]byte("OK\r\n>>>"),
	}
	vs := New(fr)

	if vs.InRawREPL() {
		t.Fatal("expected initial state to not be in raw REPL")
	}

	vs.ReadFromChild(64, 10*time.Millisecond)
	if !vs.InRawREPL() {
		t.Fatal("expected raw REPL marker to set in_raw_repl")
	}

	vs.ReadFromChild(64, 10*time.Millisecond)
	if vs.InRawREPL() {
		t.Fatal("expected >>> prompt while in raw repl to clear in_raw_repl")
	}
}

func TestInRawREPLTrackingFromClientWrite(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)

	vs.WriteToChild([]byte{0x01})
	if !vs.InRawREPL() {
		t.Fatal("expected CTRL-A write to set in_raw_repl")
	}

	vs.WriteToChild([]byte{0x02})
	if vs.InRawREPL() {
		t.Fatal("expected CTRL-B write to clear in_raw_repl")
	}
}

func TestApplyAndGetSettingsRoundTrip(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)

	want := Settings{BaudRate: 9600, ByteSize: 7, Parity: "E", StopBits: 2}
	vs.ApplySettings(want)

	got := vs.GetSettings()
	if got != want {
		t.Fatalf("settings round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestModemLinesAlwaysAssertInputs(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)

	vs.SetModemLines(true, false)
	lines := vs.ModemLines()
	if !lines.DTR || lines.RTS {
		t.Fatalf("expected DTR/RTS to reflect SetModemLines, got %+v", lines)
	}
	if !lines.CTS || !lines.DSR || !lines.CD {
		t.Fatalf("expected CTS/DSR/CD always asserted, got %+v", lines)
	}
}

func TestHasProcessExited(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)
	if vs.HasProcessExited() {
		t.Fatal("expected live fake reader to report not exited")
	}
	fr.alive = false
	if !vs.HasProcessExited() {
		t.Fatal("expected dead fake reader to report exited")
	}
}

func TestCloseMarksClosedAndClosesPty(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)

	if vs.Closed() {
		t.Fatal("expected fresh VirtualSerial to not be closed")
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !vs.Closed() {
		t.Fatal("expected Closed to report true after Close")
	}
	if !fr.closed {
		t.Fatal("expected underlying pty to be closed")
	}
}

func TestSetPtyResetsClosedAndRawREPLState(t *testing.T) {
	fr := newFakeReader()
	vs := New(fr)
	vs.SetInRawREPL(true)
	vs.Close()

	fresh := newFakeReader()
	vs.SetPty(fresh)

	if vs.Closed() {
		t.Fatal("expected SetPty to clear closed state")
	}
	if vs.InRawREPL() {
		t.Fatal("expected SetPty to clear in_raw_repl state")
	}
}
