package rfc2217

import (
	"bytes"
	"testing"
	"time"

	"github.com/mpbridge/mpbridge/internal/vserial"
)

// fakeReader is a no-op vserial.Reader double, enough to back a
// VirtualSerial for codec tests that never touch the child process.
type fakeReader struct{ alive bool }

func (f *fakeReader) Read(max int, timeout time.Duration) []byte { return nil }
func (f *fakeReader) Write(data []byte) int                      { return len(data) }
func (f *fakeReader) IsAlive() bool                               { return f.alive }
func (f *fakeReader) Close() error                                { f.alive = false; return nil }

func newCodec() (*Codec, *vserial.VirtualSerial, *[][]byte) {
	vs := vserial.New(&fakeReader{alive: true})
	var replies [][]byte
	c := New(vs, func(b []byte) error {
		replies = append(replies, append([]byte(nil), b...))
		return nil
	})
	return c, vs, &replies
}

func TestEscapeDoublesIAC(t *testing.T) {
	in := []byte{0x01, 0xFF, 0x02}
	out := Escape(in)
	want := []byte{0x01, 0xFF, 0xFF, 0x02}
	if !bytes.Equal(out, want) {
		t.Fatalf("Escape(%v) = %v, want %v", in, out, want)
	}
}

func TestEscapeNoOpWithoutIAC(t *testing.T) {
	in := []byte("plain data")
	out := Escape(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("Escape(%q) = %q, want unchanged", in, out)
	}
}

func TestFilterPassesPlainDataThrough(t *testing.T) {
	c, _, _ := newCodec()
	in := []byte("print(1)\r\n")
	out := c.Filter(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("Filter(%q) = %q, want unchanged", in, out)
	}
}

func TestFilterUnstuffsDoubledIAC(t *testing.T) {
	c, _, _ := newCodec()
	in := []byte{0x01, iac, iac, 0x02}
	out := c.Filter(in)
	want := []byte{0x01, iac, 0x02}
	if !bytes.Equal(out, want) {
		t.Fatalf("Filter(%v) = %v, want %v", in, out, want)
	}
}

func TestFilterRoundTripWithEscape(t *testing.T) {
	c, _, _ := newCodec()
	in := []byte("data without any telnet bytes")
	out := c.Filter(Escape(in))
	if !bytes.Equal(out, in) {
		t.Fatalf("Filter(Escape(%q)) = %q, want unchanged", in, out)
	}
}

func TestSetBaudRateSubnegotiationUpdatesSettings(t *testing.T) {
	c, vs, replies := newCodec()

	// IAC SB COM-PORT-OPTION SET-BAUDRATE <4-byte baud, big-endian> IAC SE
	baud := []byte{0x00, 0x01, 0xC2, 0x00} // 115200
	msg := []byte{iac, sb, comPortOption, setBaudRate}
	msg = append(msg, baud...)
	msg = append(msg, iac, se)

	c.Filter(msg)

	got := vs.GetSettings().BaudRate
	if got != 115200 {
		t.Fatalf("expected BaudRate 115200, got %d", got)
	}
	if len(*replies) != 1 {
		t.Fatalf("expected one reply confirming SET-BAUDRATE, got %d", len(*replies))
	}
	reply := (*replies)[0]
	if reply[3] != setBaudRate+serverReplyOffset {
		t.Fatalf("expected reply command %d, got %d", setBaudRate+serverReplyOffset, reply[3])
	}
}

func TestSetControlDTRUpdatesModemLines(t *testing.T) {
	c, vs, _ := newCodec()

	msg := []byte{iac, sb, comPortOption, setControl, controlDTRActive, iac, se}
	c.Filter(msg)

	lines := vs.ModemLines()
	if !lines.DTR {
		t.Fatal("expected SET-CONTROL DTR-active to assert DTR")
	}
}

func TestSubnegotiationSplitAcrossFilterCalls(t *testing.T) {
	c, vs, _ := newCodec()

	part1 := []byte{iac, sb, comPortOption, setDataSize}
	part2 := []byte{7, iac, se}

	c.Filter(part1)
	c.Filter(part2)

	if vs.GetSettings().ByteSize != 7 {
		t.Fatalf("expected ByteSize 7 after split subnegotiation, got %d", vs.GetSettings().ByteSize)
	}
}

func TestPollModemLinesSendsNotification(t *testing.T) {
	c, vs, replies := newCodec()
	vs.SetModemLines(true, true)

	c.PollModemLines()

	if len(*replies) != 1 {
		t.Fatalf("expected one modem-state notification, got %d", len(*replies))
	}
	reply := (*replies)[0]
	if reply[3] != notifyModemState+serverReplyOffset {
		t.Fatalf("expected notification command %d, got %d", notifyModemState+serverReplyOffset, reply[3])
	}
}

func TestHandleNegotiationDeclinesNonComPortOptions(t *testing.T) {
	c, _, replies := newCodec()

	// IAC DO <some unrelated option, e.g. 31 (NAWS)>
	c.Filter([]byte{iac, do, 31})

	if len(*replies) != 1 {
		t.Fatalf("expected one decline reply, got %d", len(*replies))
	}
	reply := (*replies)[0]
	want := []byte{iac, wont, 31}
	if !bytes.Equal(reply, want) {
		t.Fatalf("expected decline %v, got %v", want, reply)
	}
}

func TestHandleNegotiationAcceptsComPortOption(t *testing.T) {
	c, _, replies := newCodec()

	c.Filter([]byte{iac, do, comPortOption})

	if len(*replies) != 1 {
		t.Fatalf("expected one accept reply, got %d", len(*replies))
	}
	want := []byte{iac, will, comPortOption}
	if !bytes.Equal((*replies)[0], want) {
		t.Fatalf("expected accept %v, got %v", want, (*replies)[0])
	}
}
