package nat

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const dialTimeout = 10 * time.Second

// handleTCP dials the guest's requested destination from the host and
// pipes bytes in both directions. Every accepted connection consumes a
// flow-table slot and is checked against the security policy's deny
// list first; denied or over-capacity connections get a TCP reset
// rather than a silent hang, so a sandboxed process sees ECONNREFUSED
// promptly instead of timing out.
func (ns *Stack) handleTCP(r *tcp.ForwarderRequest) {
	defer r.Pkt().DecRef()

	addr := r.ID().LocalAddress
	port := r.ID().LocalPort
	ip := net.IP(addr.AsSlice())

	if denied(ns.security, ip) {
		r.Complete(true)
		return
	}
	if !ns.flows.tryAdmit() {
		r.Complete(true)
		return
	}

	dest := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var dialer net.Dialer
	ext, err := dialer.DialContext(ctx, "tcp", dest)
	if err != nil {
		slog.Warn("nat: tcp dial failed", "dest", dest, "err", err)
		r.Complete(true)
		ns.flows.release()
		return
	}

	var wq waiter.Queue
	ep, tcpErr := r.CreateEndpoint(&wq)
	r.Complete(false)
	if tcpErr != nil {
		ext.Close()
		ns.flows.release()
		return
	}

	guestConn := gonet.NewTCPConn(&wq, ep)
	go func() {
		defer ns.flows.release()
		defer guestConn.Close()
		defer ext.Close()
		pump(guestConn, ext)
	}()
}

// pump copies in both directions until either side closes, then
// half-closes the other so a graceful FIN on one leg propagates to the
// other instead of stalling.
func pump(a, b net.Conn) {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		closeWrite(a)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		closeWrite(b)
		errc <- err
	}()
	<-errc
	<-errc
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if wc, ok := c.(writeCloser); ok {
		wc.CloseWrite()
	}
}

// handleUDP diverts port-53 traffic to DNSIP into the interceptor
// (dns.go) and otherwise relays each datagram through a dialed host
// UDP socket, one per flow, torn down after an idle period.
func (ns *Stack) handleUDP(r *udp.ForwarderRequest) {
	addr := r.ID().LocalAddress
	port := r.ID().LocalPort

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}
	guestConn := gonet.NewUDPConn(&wq, ep)

	if net.IP(addr.AsSlice()).Equal(net.ParseIP(DNSIP)) && port == 53 {
		go ns.dns.serve(guestConn)
		return
	}

	ip := net.IP(addr.AsSlice())
	if denied(ns.security, ip) || !ns.flows.tryAdmit() {
		guestConn.Close()
		return
	}

	dest := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	ext, err := net.Dial("udp", dest)
	if err != nil {
		slog.Warn("nat: udp dial failed", "dest", dest, "err", err)
		guestConn.Close()
		ns.flows.release()
		return
	}

	go func() {
		defer ns.flows.release()
		defer guestConn.Close()
		defer ext.Close()
		pumpUDP(guestConn, ext)
	}()
}

const udpIdleTimeout = 60 * time.Second

func pumpUDP(guest, ext net.Conn) {
	errc := make(chan error, 2)
	copyDgram := func(dst, src net.Conn) {
		buf := make([]byte, 65536)
		for {
			src.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			n, err := src.Read(buf)
			if err != nil {
				errc <- err
				return
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				errc <- err
				return
			}
		}
	}
	go copyDgram(ext, guest)
	go copyDgram(guest, ext)
	<-errc
}
