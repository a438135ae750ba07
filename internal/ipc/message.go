// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipc implements the duplex framed channel to the controller.
//
// Each frame is a big-endian uint32 length prefix followed by one message
// in deterministic CBOR. The encoding configuration is fixed and shared
// with the controller; a decode failure means the channel is out of sync
// and is fatal.
package ipc

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// IPCBufSize is the maximum frame size: the largest packet plus framing
// and message overhead.
const IPCBufSize = windivert.MaxPacketSize + 1024

// frameHeaderSize is the length-prefix size.
const frameHeaderSize = 4

// Kind discriminates the closed message set.
type Kind uint8

const (
	// KindPacket carries raw layer-3 packet bytes. Controller-bound
	// frames carry intercepted packets; redirector-bound frames carry
	// reconstructed packets to inject.
	KindPacket Kind = 1
	// KindInterceptInclude replaces the policy: intercept only these PIDs.
	KindInterceptInclude Kind = 2
	// KindInterceptExclude replaces the policy: intercept all but these PIDs.
	KindInterceptExclude Kind = 3
	// KindShutdown terminates the redirector cleanly.
	KindShutdown Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindPacket:
		return "packet"
	case KindInterceptInclude:
		return "intercept_include"
	case KindInterceptExclude:
		return "intercept_exclude"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is one IPC frame payload.
type Message struct {
	Kind   Kind     `cbor:"1,keyasint"`
	Packet []byte   `cbor:"2,keyasint,omitempty"`
	PIDs   []uint32 `cbor:"3,keyasint,omitempty"`
}

// PacketMessage wraps raw packet bytes for the controller.
func PacketMessage(data []byte) Message {
	return Message{Kind: KindPacket, Packet: data}
}

// The fixed encoding configuration shared with the controller.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a message with the fixed configuration.
func Encode(m Message) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIPC, "encoding message")
	}
	if len(data)+frameHeaderSize > IPCBufSize {
		return nil, errors.Errorf(errors.KindIPC, "message of %d bytes exceeds frame limit", len(data))
	}
	return data, nil
}

// Decode deserializes a message with the fixed configuration. It rejects
// trailing bytes: frames hold exactly one message.
func Decode(data []byte) (Message, error) {
	var m Message
	rest, err := decMode.UnmarshalFirst(data, &m)
	if err != nil {
		return Message{}, errors.Wrap(err, errors.KindIPC, "decoding message")
	}
	if len(rest) != 0 {
		return Message{}, errors.Errorf(errors.KindIPC, "%d trailing bytes after message", len(rest))
	}
	switch m.Kind {
	case KindPacket, KindInterceptInclude, KindInterceptExclude, KindShutdown:
		return m, nil
	default:
		return Message{}, errors.Errorf(errors.KindIPC, "unknown message kind %d", m.Kind)
	}
}
