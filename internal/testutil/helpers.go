// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil builds wire-format packets for tests.
package testutil

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TCPPacket serializes an IPv4 TCP data segment (PSH+ACK) with a payload.
// Checksums and lengths are computed.
func TCPPacket(t *testing.T, src string, srcPort uint16, dst string, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		PSH:     true,
		ACK:     true,
		Window:  64240,
	}
	return serialize(t, ip, tcp, payload)
}

// SYNPacket serializes an IPv4 TCP SYN with no payload.
func SYNPacket(t *testing.T, src string, srcPort uint16, dst string, dstPort uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
		Window:  64240,
	}
	return serialize(t, ip, tcp, nil)
}

// UDPPacket serializes an IPv4 UDP datagram with a payload.
func UDPPacket(t *testing.T, src string, srcPort uint16, dst string, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	return serialize(t, ip, udp, payload)
}

func serialize(t *testing.T, ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) []byte {
	t.Helper()
	switch l := transport.(type) {
	case *layers.TCP:
		if err := l.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("setting checksum layer: %v", err)
		}
	case *layers.UDP:
		if err := l.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("setting checksum layer: %v", err)
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var err error
	if payload != nil {
		err = gopacket.SerializeLayers(buf, opts, ip, transport, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, opts, ip, transport)
	}
	if err != nil {
		t.Fatalf("serializing packet: %v", err)
	}
	// Copy out: the serialize buffer is reused.
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}
