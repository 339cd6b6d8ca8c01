// Package nat implements voidbox's user-mode NAT: a gVisor netstack
// presented to the guest as its only network, with outbound TCP/UDP
// dialed out from the host and DNS queries intercepted and relayed to an
// upstream resolver (spec.md §4.5). There is no bridge, no TAP device and no
// kernel networking involved; the entire IP stack the guest talks to
// lives in this process.
package nat

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

const (
	// Addressing per spec.md §4.5/§6: a single /24 shared by every
	// instance's private stack (there is no bridging between instances,
	// so address reuse across VMs is safe).
	GuestIP   = "10.0.2.15"
	GatewayIP = "10.0.2.2"
	DNSIP     = "10.0.2.3"
	subnet    = "10.0.2.0/24"

	nicID   tcpip.NICID = 1
	nicMTU              = 1500
)

// Stack is one VM's private NAT network: a gVisor stack with a single
// NIC backed by a channel.Endpoint, ready to be driven by the backend's
// virtio-net device once frames are available to inject/consume.
type Stack struct {
	S        *stack.Stack
	link     *channel.Endpoint
	security vmm.SecurityPolicy
	flows    *flowTable
	dns      *dnsInterceptor
}

// NewStack builds a gVisor stack addressed as the guest's gateway and
// DNS server, with TCP and UDP forwarders wired per sec's caps.
func NewStack(sec vmm.SecurityPolicy) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})

	link := channel.New(256, nicMTU, "")
	if err := s.CreateNIC(nicID, link); err != nil {
		return nil, voidboxerr.New(voidboxerr.Network, "nat.NewStack: CreateNIC: "+err.String())
	}

	gatewayAddr := mustParseAddress(GatewayIP)
	dnsAddr := mustParseAddress(DNSIP)
	for _, addr := range []tcpip.Address{gatewayAddr, dnsAddr} {
		if err := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
			Protocol:          ipv4.ProtocolNumber,
			AddressWithPrefix: addr.WithPrefix(),
		}, stack.AddressProperties{}); err != nil {
			return nil, voidboxerr.New(voidboxerr.Network, "nat.NewStack: AddProtocolAddress: "+err.String())
		}
	}

	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, voidboxerr.New(voidboxerr.Network, "nat.NewStack: SetSpoofing: "+err.String())
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, voidboxerr.New(voidboxerr.Network, "nat.NewStack: SetPromiscuousMode: "+err.String())
	}

	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.Network, "nat.NewStack: parse subnet", err)
	}
	route, err := tcpip.NewSubnet(tcpip.AddrFromSlice(ipNet.IP.To4()), tcpip.MaskFromBytes(ipNet.Mask))
	if err != nil {
		return nil, voidboxerr.New(voidboxerr.Network, "nat.NewStack: NewSubnet: "+err.String())
	}
	s.SetRouteTable([]tcpip.Route{{Destination: route, NIC: nicID}})

	flows := newFlowTable(sec.MaxConcurrentFlows, sec.MaxConnPerSecond)

	ns := &Stack{S: s, link: link, security: sec, flows: flows}
	ns.dns = newDNSInterceptor(dnsAddr)

	tcpFwd := tcp.NewForwarder(s, 0, 1024, ns.handleTCP)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s, ns.handleUDP)
	s.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	return ns, nil
}

// Endpoint exposes the NIC's channel.Endpoint so internal/vmm/kvm's
// virtio-net device can inject guest-originated frames and drain
// host-originated ones.
func (ns *Stack) Endpoint() *channel.Endpoint { return ns.link }

// Close tears down the stack and releases its NIC.
func (ns *Stack) Close() { ns.S.Close() }

func mustParseAddress(s string) tcpip.Address {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic(fmt.Sprintf("nat: invalid address %q", s))
	}
	return tcpip.AddrFromSlice(ip)
}
