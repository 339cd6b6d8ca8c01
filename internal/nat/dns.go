package nat

import (
	"log/slog"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// upstreamResolver is queried for every DNS request the guest sends to
// DNSIP; voidbox never serves answers itself (it has no zone data), it
// only provides a fixed, always-reachable address for the guest to
// point resolv.conf at (spec.md §4.5).
const upstreamResolver = "8.8.8.8:53"

const dnsQueryTimeout = 5 * time.Second

// dnsInterceptor answers queries sent to DNSIP:53 by relaying them to
// upstreamResolver and parsing/re-encoding with miekg/dns rather than
// byte-for-byte proxying. A guest query that does not parse is logged and
// dropped without a reply; an upstream failure is answered with SERVFAIL.
type dnsInterceptor struct {
	addr tcpip.Address
}

func newDNSInterceptor(addr tcpip.Address) *dnsInterceptor {
	return &dnsInterceptor{addr: addr}
}

func (d *dnsInterceptor) serve(conn *gonet.UDPConn) {
	defer conn.Close()

	client := &dns.Client{Net: "udp", Timeout: dnsQueryTimeout}
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			slog.Warn("nat: dns: unpack query failed", "err", err)
			continue
		}

		resp, _, err := client.Exchange(req, upstreamResolver)
		if err != nil {
			slog.Warn("nat: dns: upstream query failed", "err", err)
			resp = new(dns.Msg)
			resp.SetRcode(req, dns.RcodeServerFailure)
		}

		out, err := resp.Pack()
		if err != nil {
			continue
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}
