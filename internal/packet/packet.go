// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet decodes raw layer-3 buffers into the five-tuple and
// classification hints the redirector keys its connection table on.
package packet

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/SenberHu/winredirect/internal/errors"
)

// Protocol is the transport protocol of a flow. Values match the IP
// protocol numbers so socket-event metadata can be converted directly.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// ProtocolFromNumber converts an IP protocol number to a Protocol.
// Anything other than TCP or UDP is rejected.
func ProtocolFromNumber(n uint8) (Protocol, error) {
	switch Protocol(n) {
	case ProtoTCP, ProtoUDP:
		return Protocol(n), nil
	default:
		return 0, errors.Errorf(errors.KindParse, "unsupported transport protocol %d", n)
	}
}

// ConnectionID is the five-tuple naming a flow at a point in time.
// It is a comparable value type and is used directly as a map key.
type ConnectionID struct {
	Proto  Protocol
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Reverse returns the counter-direction of the flow.
func (c ConnectionID) Reverse() ConnectionID {
	return ConnectionID{
		Proto:  c.Proto,
		Local:  c.Remote,
		Remote: c.Local,
	}
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%s %s -> %s", c.Proto, c.Local, c.Remote)
}

// Packet is a parsed network-layer packet. It keeps a reference to the
// underlying buffer so it can be re-emitted unchanged.
type Packet struct {
	raw        []byte
	conn       ConnectionID
	flagStr    string
	payloadLen int
}

// Parse decodes a raw IP packet. It fails on truncated headers and on any
// transport other than TCP or UDP.
func Parse(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, errors.New(errors.KindParse, "empty packet")
	}

	var (
		src, dst netip.Addr
		proto    layers.IPProtocol
		tpayload []byte
	)

	switch raw[0] >> 4 {
	case 4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
			return nil, errors.Wrap(err, errors.KindParse, "decoding IPv4 header")
		}
		src = addrFromIP(ip4.SrcIP)
		dst = addrFromIP(ip4.DstIP)
		proto = ip4.Protocol
		tpayload = ip4.Payload
	case 6:
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
			return nil, errors.Wrap(err, errors.KindParse, "decoding IPv6 header")
		}
		src = addrFromIP(ip6.SrcIP)
		dst = addrFromIP(ip6.DstIP)
		proto = ip6.NextHeader
		tpayload = ip6.Payload
	default:
		return nil, errors.Errorf(errors.KindParse, "unknown IP version %d", raw[0]>>4)
	}

	p := &Packet{raw: raw}

	switch proto {
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(tpayload, gopacket.NilDecodeFeedback); err != nil {
			return nil, errors.Wrap(err, errors.KindParse, "decoding TCP header")
		}
		p.conn = ConnectionID{
			Proto:  ProtoTCP,
			Local:  netip.AddrPortFrom(src, uint16(tcp.SrcPort)),
			Remote: netip.AddrPortFrom(dst, uint16(tcp.DstPort)),
		}
		p.flagStr = tcpFlagString(&tcp)
		p.payloadLen = len(tcp.Payload)
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(tpayload, gopacket.NilDecodeFeedback); err != nil {
			return nil, errors.Wrap(err, errors.KindParse, "decoding UDP header")
		}
		p.conn = ConnectionID{
			Proto:  ProtoUDP,
			Local:  netip.AddrPortFrom(src, uint16(udp.SrcPort)),
			Remote: netip.AddrPortFrom(dst, uint16(udp.DstPort)),
		}
		p.flagStr = "[UDP]"
		p.payloadLen = len(udp.Payload)
	default:
		return nil, errors.Errorf(errors.KindParse, "unsupported transport protocol %s", proto)
	}

	return p, nil
}

// ConnectionID returns the packet's five-tuple keyed source-to-destination.
func (p *Packet) ConnectionID() ConnectionID { return p.conn }

// SrcIP returns the packet's source address.
func (p *Packet) SrcIP() netip.Addr { return p.conn.Local.Addr() }

// DstIP returns the packet's destination address.
func (p *Packet) DstIP() netip.Addr { return p.conn.Remote.Addr() }

// TCPFlagString returns an informational rendering of the TCP flags,
// e.g. "[SYN]" or "[PSH+ACK]". UDP packets render as "[UDP]".
func (p *Packet) TCPFlagString() string { return p.flagStr }

// PayloadLen returns the transport payload length in bytes.
func (p *Packet) PayloadLen() int { return p.payloadLen }

// Raw returns the underlying layer-3 buffer for re-emission.
func (p *Packet) Raw() []byte { return p.raw }

// IsMulticast reports whether either endpoint is in a multicast range.
// Such packets are never classified.
func (p *Packet) IsMulticast() bool {
	return p.SrcIP().IsMulticast() || p.DstIP().IsMulticast()
}

// IsLoopbackOnly reports whether both endpoints are loopback addresses.
func (p *Packet) IsLoopbackOnly() bool {
	return p.SrcIP().IsLoopback() && p.DstIP().IsLoopback()
}

func addrFromIP(ip []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func tcpFlagString(tcp *layers.TCP) string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.URG {
		flags = append(flags, "URG")
	}
	if tcp.ECE {
		flags = append(flags, "ECE")
	}
	if tcp.CWR {
		flags = append(flags, "CWR")
	}
	return "[" + strings.Join(flags, "+") + "]"
}
