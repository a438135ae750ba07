// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package redirect is the correlation core: it merges the diverter's two
// event streams with the controller channel and drives the per-connection
// state machine that decides, packet by packet, between re-injection and
// interception.
//
// Network packets carry a five-tuple but no process identity; socket
// events carry process identity but no payload. The two race. A packet
// arriving before its socket event is buffered under a Pending entry and
// replayed, in order, once a Connect or Accept resolves the connection.
package redirect

import (
	stderrors "errors"
	"net/netip"

	"github.com/SenberHu/winredirect/internal/conntable"
	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/logging"
	"github.com/SenberHu/winredirect/internal/metrics"
	"github.com/SenberHu/winredirect/internal/packet"
	"github.com/SenberHu/winredirect/internal/policy"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// errShutdown stops the run loop when the controller requests an orderly
// exit. It never escapes Run.
var errShutdown = stderrors.New("shutdown requested")

// Sender delivers intercepted packet bytes to the controller.
type Sender interface {
	SendPacket(data []byte) error
}

// Engine is the single consumer of the merged queue. It owns the
// connection table, the policy and the inject handle; nothing else
// touches them.
type Engine struct {
	table   *conntable.Table
	policy  policy.Policy
	inject  windivert.Handle
	sender  Sender
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates an engine with the default intercept-nothing policy.
func New(table *conntable.Table, inject windivert.Handle, sender Sender, log *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		table:   table,
		policy:  policy.Default(),
		inject:  inject,
		sender:  sender,
		log:     log,
		metrics: m,
	}
}

// Run consumes events until shutdown or a fatal error. It returns nil on
// controller-requested shutdown; the caller maps the error to an exit
// code.
func (e *Engine) Run(q *Queue[Event]) error {
	for {
		ev, ok := q.Pop()
		if !ok {
			return nil
		}
		if err := e.handle(ev); err != nil {
			if stderrors.Is(err, errShutdown) {
				return nil
			}
			return err
		}
		e.metrics.SetTableSize(e.table.Len())
	}
}

func (e *Engine) handle(ev Event) error {
	switch ev := ev.(type) {
	case CaptureEvent:
		if ev.Capture.Addr.Layer == windivert.LayerSocket {
			return e.handleSocketEvent(ev.Capture.Addr)
		}
		return e.handleNetworkPacket(ev.Capture.Addr, ev.Capture.Data)
	case InjectEvent:
		return e.handleInject(ev.Data)
	case PolicyEvent:
		e.log.Debug("policy replaced", "policy", ev.Policy)
		e.policy = ev.Policy
		return nil
	case ShutdownEvent:
		return errShutdown
	case FatalEvent:
		return ev.Err
	default:
		return errors.Errorf(errors.KindInternal, "unknown event %T", ev)
	}
}

func (e *Engine) handleNetworkPacket(addr windivert.Address, data []byte) error {
	e.metrics.PacketReceived()

	pkt, err := packet.Parse(data)
	if err != nil {
		e.log.Debug("error parsing packet", "err", err)
		e.metrics.PacketDropped()
		return nil
	}

	conn := pkt.ConnectionID()
	e.log.Debug("received packet", "conn", conn, "flags", pkt.TCPFlagString(), "payload", pkt.PayloadLen())

	if pkt.IsMulticast() || pkt.IsLoopbackOnly() {
		e.log.Debug("skipping packet", "multicast", pkt.IsMulticast(), "loopback", pkt.IsLoopbackOnly())
		return e.reinject(addr, pkt)
	}

	state, ok := e.table.Get(conn)
	if ok {
		switch s := state.(type) {
		case *conntable.Known:
			return e.processPacket(addr, pkt, s.Action)
		case *conntable.Pending:
			s.Append(addr, pkt)
			e.metrics.PacketBuffered()
			return nil
		}
	}

	if addr.Outbound {
		// A corresponding socket event is expected soon.
		e.log.Debug("adding unknown packet", "conn", conn)
		pending := &conntable.Pending{}
		pending.Append(addr, pkt)
		e.table.Insert(conn, pending)
		e.metrics.PacketBuffered()
		return nil
	}

	// A new inbound connection.
	e.log.Debug("adding inbound redirect", "conn", conn)
	e.log.Warn("unimplemented: no proper handling of inbound connections yet")
	if err := e.insertResolving(conn.Reverse(), conntable.ActionPass); err != nil {
		return err
	}
	if err := e.insertResolving(conn, conntable.ActionIntercept); err != nil {
		return err
	}
	return e.processPacket(addr, pkt, conntable.ActionIntercept)
}

func (e *Engine) handleSocketEvent(addr windivert.Address) error {
	e.metrics.SocketEvent()
	sock := addr.Socket

	if sock.ProcessID == windivert.KernelPID {
		// Operating system events, generally not useful.
		e.log.Debug("skipping kernel pid event")
		return nil
	}

	proto, err := packet.ProtocolFromNumber(sock.Protocol)
	if err != nil {
		e.log.Debug("error parsing socket event", "err", err)
		return nil
	}
	conn := packet.ConnectionID{
		Proto:  proto,
		Local:  netip.AddrPortFrom(sock.LocalAddr, sock.LocalPort),
		Remote: netip.AddrPortFrom(sock.RemoteAddr, sock.RemotePort),
	}
	if conn.Local.Addr().IsMulticast() || conn.Remote.Addr().IsMulticast() {
		return nil
	}

	switch addr.Event {
	case windivert.EventSocketConnect, windivert.EventSocketAccept:
		makeEntry := true
		if state, ok := e.table.Get(conn); ok {
			_, makeEntry = state.(*conntable.Pending)
		}
		e.log.Debug("socket event", "event", addr.Event, "make_entry", makeEntry, "pid", sock.ProcessID, "conn", conn)
		if !makeEntry {
			// Known is terminal within the TTL.
			return nil
		}

		action := conntable.ActionPass
		if e.policy.ShouldIntercept(sock.ProcessID) {
			action = conntable.ActionIntercept
		}
		e.log.Debug("adding connection", "conn", conn, "pid", sock.ProcessID, "action", action)

		// The return path is never intercepted by the redirector.
		if err := e.insertResolving(conn.Reverse(), conntable.ActionPass); err != nil {
			return err
		}
		return e.insertResolving(conn, action)

	case windivert.EventSocketClose:
		// Final packets still arrive after close, so the entry stays;
		// only the buffered memory of an unresolved flow is released.
		if state, ok := e.table.Get(conn); ok {
			if pending, isPending := state.(*conntable.Pending); isPending {
				pending.Clear()
			}
		}
		return nil

	default:
		// Bind/listen and friends carry nothing to correlate.
		return nil
	}
}

func (e *Engine) handleInject(data []byte) error {
	// Checksums are left invalid; the kernel recomputes them on send.
	addr := windivert.OutboundAddress()
	if err := e.inject.Send(addr, data); err != nil {
		return errors.Wrap(err, errors.KindDiverter, "injecting controller packet")
	}
	e.metrics.PacketInjected()
	return nil
}

// insertResolving installs a Known entry and, when it replaces a Pending
// one, replays the buffered packets in arrival order under the new action
// before any further queue event is taken.
func (e *Engine) insertResolving(key packet.ConnectionID, action conntable.Action) error {
	prev, had := e.table.Insert(key, &conntable.Known{Action: action})
	if !had {
		return nil
	}
	pending, wasPending := prev.(*conntable.Pending)
	if !wasPending {
		return nil
	}
	for _, buffered := range pending.Packets {
		if err := e.processPacket(buffered.Addr, buffered.Packet, action); err != nil {
			return err
		}
	}
	return nil
}

// processPacket routes one classified packet to its sink.
func (e *Engine) processPacket(addr windivert.Address, pkt *packet.Packet, action conntable.Action) error {
	switch action {
	case conntable.ActionIntercept:
		if err := e.sender.SendPacket(pkt.Raw()); err != nil {
			return errors.Wrap(err, errors.KindIPC, "forwarding intercepted packet")
		}
		e.metrics.PacketIntercepted()
		return nil
	default:
		return e.reinject(addr, pkt)
	}
}

func (e *Engine) reinject(addr windivert.Address, pkt *packet.Packet) error {
	e.log.Debug("injecting", "conn", pkt.ConnectionID(), "flags", pkt.TCPFlagString(),
		"outbound", addr.Outbound, "loopback", addr.Loopback)
	if err := e.inject.Send(addr, pkt.Raw()); err != nil {
		return errors.Wrap(err, errors.KindDiverter, "failed to re-inject packet")
	}
	e.metrics.PacketInjected()
	return nil
}
