// Package reflexive discovers a host's server-reflexive (public) address
// and port via STUN, the collaborator the protocol relies on for NAT
// traversal before hole-punching begins.
package reflexive

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pkg/errors"
)

const (
	defaultStunServerV4 = "stun.l.google.com:19302"
	defaultStunServerV6 = "stun.l.google.com:19302" // Google's STUN resolves AAAA too when dialed over udp6
	requestTimeout       = 3 * time.Second
)

// IPVersion selects which STUN server resolution family a discovery request
// binds over.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
)

func (v IPVersion) network() string {
	if v == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// DiscoverPublicEndpoint binds a UDP socket on localPort, sends a STUN
// binding request, and returns the server-reflexive address/port the STUN
// server observed for it, the address a peer on the other side of a NAT
// needs to target when hole-punching.
func DiscoverPublicEndpoint(ctx context.Context, localPort int, ipv IPVersion) (netip.AddrPort, error) {
	server := defaultStunServerV4
	if ipv == IPv6 {
		server = defaultStunServerV6
	}

	conn, err := net.ListenUDP(ipv.network(), &net.UDPAddr{Port: localPort})
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "bind stun socket")
	}
	defer conn.Close()

	serverAddr, err := net.ResolveUDPAddr(ipv.network(), server)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "resolve stun server")
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "build stun binding request")
	}
	if _, err := conn.WriteTo(msg.Raw, serverAddr); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "send stun binding request")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "set read deadline")
	}

	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "read stun response")
	}

	reply := &stun.Message{Raw: buf[:n]}
	if err := reply.Decode(); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "decode stun response")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(reply); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "read xor-mapped-address attribute")
	}

	addr, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return netip.AddrPort{}, errors.New("stun server returned an unparseable address")
	}
	return netip.AddrPortFrom(addr, uint16(xorAddr.Port)), nil
}
