// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows

package windivert

import (
	"encoding/binary"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/SenberHu/winredirect/internal/errors"
)

var (
	dll        = windows.NewLazySystemDLL("WinDivert.dll")
	procOpen   = dll.NewProc("WinDivertOpen")
	procRecvEx = dll.NewProc("WinDivertRecvEx")
	procSend   = dll.NewProc("WinDivertSend")
	procClose  = dll.NewProc("WinDivertClose")
)

const addrSize = int(unsafe.Sizeof(rawAddress{}))

// rawAddress mirrors the driver's WINDIVERT_ADDRESS: a timestamp, a packed
// bitfield word, and a 64-byte layer-specific union.
type rawAddress struct {
	Timestamp int64
	Packed    uint32
	Reserved  uint32
	Union     [64]byte
}

// rawSocket mirrors WINDIVERT_DATA_SOCKET inside the union. The 128-bit
// addresses are little-endian words in reversed order with IPv4 stored in
// the mapped ::ffff:a.b.c.d form.
type rawSocket struct {
	EndpointID       uint64
	ParentEndpointID uint64
	ProcessID        uint32
	LocalAddr        [4]uint32
	RemoteAddr       [4]uint32
	LocalPort        uint16
	RemotePort       uint16
	Protocol         uint8
}

func (r *rawAddress) decode() Address {
	a := Address{
		Timestamp:   r.Timestamp,
		Layer:       Layer(r.Packed & 0xFF),
		Event:       Event((r.Packed >> 8) & 0xFF),
		Sniffed:     r.Packed>>16&1 == 1,
		Outbound:    r.Packed>>17&1 == 1,
		Loopback:    r.Packed>>18&1 == 1,
		Impostor:    r.Packed>>19&1 == 1,
		IPv6:        r.Packed>>20&1 == 1,
		IPChecksum:  r.Packed>>21&1 == 1,
		TCPChecksum: r.Packed>>22&1 == 1,
		UDPChecksum: r.Packed>>23&1 == 1,
	}
	if a.Layer == LayerSocket {
		s := (*rawSocket)(unsafe.Pointer(&r.Union[0]))
		a.Socket = SocketData{
			EndpointID: s.EndpointID,
			ProcessID:  s.ProcessID,
			LocalAddr:  addrFromWords(s.LocalAddr),
			RemoteAddr: addrFromWords(s.RemoteAddr),
			LocalPort:  s.LocalPort,
			RemotePort: s.RemotePort,
			Protocol:   s.Protocol,
		}
	}
	return a
}

func encodeAddress(a Address) rawAddress {
	var packed uint32
	packed |= uint32(a.Layer) & 0xFF
	packed |= (uint32(a.Event) & 0xFF) << 8
	if a.Sniffed {
		packed |= 1 << 16
	}
	if a.Outbound {
		packed |= 1 << 17
	}
	if a.Loopback {
		packed |= 1 << 18
	}
	if a.Impostor {
		packed |= 1 << 19
	}
	if a.IPv6 {
		packed |= 1 << 20
	}
	if a.IPChecksum {
		packed |= 1 << 21
	}
	if a.TCPChecksum {
		packed |= 1 << 22
	}
	if a.UDPChecksum {
		packed |= 1 << 23
	}
	return rawAddress{Timestamp: a.Timestamp, Packed: packed}
}

// addrFromWords converts the driver's reversed-word 128-bit form. IPv4
// arrives mapped; Unmap folds it back to a 4-byte address.
func addrFromWords(w [4]uint32) netip.Addr {
	var b [16]byte
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint32(b[i*4:], w[3-i])
	}
	return netip.AddrFrom16(b).Unmap()
}

type winHandle struct {
	h windows.Handle
}

// Open opens a diverter handle with the given filter, layer, priority and
// flags.
func Open(filter string, layer Layer, priority int16, flags Flags) (Handle, error) {
	fp, err := windows.BytePtrFromString(filter)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDiverter, "invalid filter string")
	}
	r1, _, callErr := procOpen.Call(
		uintptr(unsafe.Pointer(fp)),
		uintptr(layer),
		uintptr(uint16(priority)),
		uintptr(flags),
	)
	if windows.Handle(r1) == windows.InvalidHandle {
		return nil, errors.Wrapf(callErr, errors.KindDiverter, "opening %s handle (filter %q)", layer, filter)
	}
	return &winHandle{h: windows.Handle(r1)}, nil
}

func (h *winHandle) RecvEx(bufSize, max int) ([]Capture, error) {
	addrs := make([]rawAddress, max)
	addrLen := uint32(len(addrs) * addrSize)

	var (
		buf     []byte
		bufPtr  unsafe.Pointer
		recvLen uint32
	)
	if bufSize > 0 {
		buf = make([]byte, bufSize*max)
		bufPtr = unsafe.Pointer(&buf[0])
	}

	r1, _, callErr := procRecvEx.Call(
		uintptr(h.h),
		uintptr(bufPtr),
		uintptr(uint32(len(buf))),
		uintptr(unsafe.Pointer(&recvLen)),
		0, // flags
		uintptr(unsafe.Pointer(&addrs[0])),
		uintptr(unsafe.Pointer(&addrLen)),
		0, // no overlapped I/O
	)
	if r1 == 0 {
		return nil, errors.Wrap(callErr, errors.KindDiverter, "receiving from diverter handle")
	}

	n := int(addrLen) / addrSize
	captures := make([]Capture, 0, n)
	data := buf[:recvLen]
	for i := 0; i < n; i++ {
		c := Capture{Addr: addrs[i].decode()}
		if bufSize > 0 {
			plen, err := packetLength(data)
			if err != nil {
				return nil, err
			}
			c.Data = make([]byte, plen)
			copy(c.Data, data[:plen])
			data = data[plen:]
		}
		captures = append(captures, c)
	}
	return captures, nil
}

func (h *winHandle) Send(addr Address, data []byte) error {
	raw := encodeAddress(addr)
	var sendLen uint32
	r1, _, callErr := procSend.Call(
		uintptr(h.h),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(uint32(len(data))),
		uintptr(unsafe.Pointer(&sendLen)),
		uintptr(unsafe.Pointer(&raw)),
	)
	if r1 == 0 {
		return errors.Wrap(callErr, errors.KindDiverter, "sending packet")
	}
	return nil
}

func (h *winHandle) Close() error {
	r1, _, callErr := procClose.Call(uintptr(h.h))
	if r1 == 0 {
		return errors.Wrap(callErr, errors.KindDiverter, "closing handle")
	}
	return nil
}

// packetLength reads the total length of the first packet in a batched
// receive buffer from its IP header.
func packetLength(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New(errors.KindDiverter, "empty batch buffer")
	}
	switch data[0] >> 4 {
	case 4:
		if len(data) < 4 {
			return 0, errors.New(errors.KindDiverter, "truncated IPv4 packet in batch")
		}
		n := int(binary.BigEndian.Uint16(data[2:4]))
		if n == 0 || n > len(data) {
			return 0, errors.Errorf(errors.KindDiverter, "bad IPv4 total length %d", n)
		}
		return n, nil
	case 6:
		if len(data) < 6 {
			return 0, errors.New(errors.KindDiverter, "truncated IPv6 packet in batch")
		}
		n := 40 + int(binary.BigEndian.Uint16(data[4:6]))
		if n > len(data) {
			return 0, errors.Errorf(errors.KindDiverter, "bad IPv6 payload length %d", n)
		}
		return n, nil
	default:
		return 0, errors.Errorf(errors.KindDiverter, "unknown IP version %d in batch", data[0]>>4)
	}
}
