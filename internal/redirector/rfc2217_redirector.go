package redirector

import (
	"net"

	"github.com/mpbridge/mpbridge/internal/rfc2217"
	"github.com/mpbridge/mpbridge/internal/supervisor"
	"github.com/mpbridge/mpbridge/internal/vserial"
)

// NewRfc2217 returns a Redirector framing the outbound direction with
// telnet IAC escaping and the inbound direction with COM-PORT-OPTION
// parsing, plus a once-a-second modem-line notification (the
// "rfc2217-listener" port).
func NewRfc2217(vs *vserial.VirtualSerial, conn net.Conn, sup *supervisor.Supervisor) *Redirector {
	r := newRedirector(vs, conn, sup)
	codec := rfc2217.New(vs, r.sendRaw)
	r.frameOut = rfc2217.Escape
	r.frameIn = codec.Filter
	r.recvSize = 1024
	r.periodic = append(r.periodic, periodicTask{interval: rfc2217.ModemPollInterval, fn: codec.PollModemLines})
	return r
}
