// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package windivert wraps the Windows packet-diversion kernel facility.
//
// The redirector opens three handles: a sniffing socket-layer handle for
// process lifecycle events, a diverting network-layer handle for packets,
// and a send-only handle for re-injection. On non-Windows systems Open
// returns an error; the event types and Address metadata are portable so
// the correlation engine and its tests run everywhere.
package windivert

import (
	"net/netip"
)

// Layer selects which stack layer a handle attaches to.
type Layer int

const (
	LayerNetwork Layer = 0
	LayerSocket  Layer = 4
)

func (l Layer) String() string {
	switch l {
	case LayerNetwork:
		return "network"
	case LayerSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Event identifies what a received Address describes.
type Event uint8

const (
	EventNetworkPacket Event = iota
	EventFlowEstablished
	EventFlowDeleted
	EventSocketBind
	EventSocketConnect
	EventSocketListen
	EventSocketAccept
	EventSocketClose
)

func (e Event) String() string {
	switch e {
	case EventNetworkPacket:
		return "network_packet"
	case EventFlowEstablished:
		return "flow_established"
	case EventFlowDeleted:
		return "flow_deleted"
	case EventSocketBind:
		return "socket_bind"
	case EventSocketConnect:
		return "socket_connect"
	case EventSocketListen:
		return "socket_listen"
	case EventSocketAccept:
		return "socket_accept"
	case EventSocketClose:
		return "socket_close"
	default:
		return "unknown"
	}
}

// Flags modify how a handle is opened.
type Flags uint64

const (
	FlagSniff    Flags = 1 << 0
	FlagDrop     Flags = 1 << 1
	FlagRecvOnly Flags = 1 << 2
	FlagSendOnly Flags = 1 << 3
)

// Handle priorities. The socket handle must see events before the network
// handle diverts the packets they describe; the inject handle sits below
// both so re-injected packets are not re-diverted.
const (
	PrioritySocket  int16 = 1041
	PriorityNetwork int16 = 1040
	PriorityInject  int16 = 1039
)

// Filter strings for the three handles.
const (
	FilterTCPUDP = "tcp || udp"
	FilterNone   = "false"
)

// MaxPacketSize is the largest layer-3 packet the facility delivers.
const MaxPacketSize = 0xFFFF

// KernelPID is the process id the host OS assigns to the kernel itself.
// Socket events attributed to it are noise and are ignored.
const KernelPID uint32 = 4

// SocketData is the metadata of a socket-layer event.
type SocketData struct {
	EndpointID uint64
	ProcessID  uint32
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
	Protocol   uint8
}

// Address is the arrival metadata attached to every received event.
// For packets originating in userspace it is synthesised: direction
// outbound, all checksum-valid flags cleared so the kernel recomputes.
type Address struct {
	Timestamp int64
	Layer     Layer
	Event     Event

	Sniffed  bool
	Outbound bool
	Loopback bool
	Impostor bool
	IPv6     bool

	// Checksum-valid hints. Cleared on synthesised packets.
	IPChecksum  bool
	TCPChecksum bool
	UDPChecksum bool

	// Socket carries the socket-layer event data; zero for network packets.
	Socket SocketData
}

// OutboundAddress returns the synthesised metadata for injecting a packet
// reconstructed in userspace.
func OutboundAddress() Address {
	return Address{
		Layer:    LayerNetwork,
		Event:    EventNetworkPacket,
		Outbound: true,
	}
}

// Capture is one received event: the metadata plus, on the network layer,
// the raw packet bytes.
type Capture struct {
	Addr Address
	Data []byte
}

// Handle is one open diverter handle.
type Handle interface {
	// RecvEx blocks until at least one event is available and returns up
	// to max events. bufSize is the per-packet receive buffer size; zero
	// for event-only layers.
	RecvEx(bufSize, max int) ([]Capture, error)
	// Send emits one network-layer packet.
	Send(addr Address, data []byte) error
	Close() error
}
