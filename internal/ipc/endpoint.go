// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/SenberHu/winredirect/internal/errors"
)

// Endpoint is one side of the duplex channel. Reads and writes may be
// issued from different goroutines; writes are serialized internally.
type Endpoint struct {
	conn io.ReadWriteCloser

	writeMu  sync.Mutex
	writeBuf [IPCBufSize]byte
	readBuf  [IPCBufSize]byte
}

// NewEndpoint wraps an established connection. The transport is assumed
// reliable and in-order.
func NewEndpoint(conn io.ReadWriteCloser) *Endpoint {
	return &Endpoint{conn: conn}
}

// Read blocks for the next message. Any framing or decode failure is
// returned as a fatal KindIPC error; io.EOF is wrapped the same way since
// the controller never half-closes a healthy channel.
func (e *Endpoint) Read() (Message, error) {
	header := e.readBuf[:frameHeaderSize]
	if _, err := io.ReadFull(e.conn, header); err != nil {
		return Message{}, errors.Wrap(err, errors.KindIPC, "reading frame header")
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > IPCBufSize-frameHeaderSize {
		return Message{}, errors.Errorf(errors.KindIPC, "invalid frame length %d", n)
	}
	body := e.readBuf[frameHeaderSize : frameHeaderSize+int(n)]
	if _, err := io.ReadFull(e.conn, body); err != nil {
		return Message{}, errors.Wrap(err, errors.KindIPC, "reading frame body")
	}
	return Decode(body)
}

// Write emits one message as a single frame. A write failure is fatal.
func (e *Endpoint) Write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	binary.BigEndian.PutUint32(e.writeBuf[:frameHeaderSize], uint32(len(data)))
	copy(e.writeBuf[frameHeaderSize:], data)
	frame := e.writeBuf[:frameHeaderSize+len(data)]
	if _, err := e.conn.Write(frame); err != nil {
		return errors.Wrap(err, errors.KindIPC, "writing frame")
	}
	return nil
}

// Close closes the underlying connection.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
