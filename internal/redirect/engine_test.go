// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SenberHu/winredirect/internal/conntable"
	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/logging"
	"github.com/SenberHu/winredirect/internal/metrics"
	"github.com/SenberHu/winredirect/internal/packet"
	"github.com/SenberHu/winredirect/internal/policy"
	"github.com/SenberHu/winredirect/internal/testutil"
	"github.com/SenberHu/winredirect/internal/windivert"
)

type sentPacket struct {
	addr windivert.Address
	data []byte
}

// fakeInject records Send calls; RecvEx is never used on the inject handle.
type fakeInject struct {
	sent []sentPacket
	err  error
}

func (f *fakeInject) RecvEx(bufSize, max int) ([]windivert.Capture, error) {
	return nil, errors.New(errors.KindDiverter, "not a receive handle")
}

func (f *fakeInject) Send(addr windivert.Address, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentPacket{addr: addr, data: data})
	return nil
}

func (f *fakeInject) Close() error { return nil }

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) SendPacket(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

type harness struct {
	engine *Engine
	inject *fakeInject
	sender *fakeSender
	table  *conntable.Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inject := &fakeInject{}
	sender := &fakeSender{}
	table := conntable.New(0)
	log := logging.New(logging.Config{Level: "error"})
	eng := New(table, inject, sender, log, metrics.New())
	return &harness{engine: eng, inject: inject, sender: sender, table: table}
}

// run feeds the events through the merged queue and drains it.
func (h *harness) run(t *testing.T, events ...Event) error {
	t.Helper()
	q := NewQueue[Event]()
	for _, ev := range events {
		q.Push(ev)
	}
	q.Close()
	return h.engine.Run(q)
}

func netCapture(outbound bool, data []byte) CaptureEvent {
	return CaptureEvent{Capture: windivert.Capture{
		Addr: windivert.Address{
			Layer:       windivert.LayerNetwork,
			Event:       windivert.EventNetworkPacket,
			Outbound:    outbound,
			IPChecksum:  true,
			TCPChecksum: true,
		},
		Data: data,
	}}
}

func sockCapture(event windivert.Event, pid uint32, proto uint8, local, remote string) CaptureEvent {
	lp := netip.MustParseAddrPort(local)
	rp := netip.MustParseAddrPort(remote)
	return CaptureEvent{Capture: windivert.Capture{
		Addr: windivert.Address{
			Layer: windivert.LayerSocket,
			Event: event,
			Socket: windivert.SocketData{
				ProcessID:  pid,
				LocalAddr:  lp.Addr(),
				RemoteAddr: rp.Addr(),
				LocalPort:  lp.Port(),
				RemotePort: rp.Port(),
				Protocol:   proto,
			},
		},
	}}
}

func tcpConn(local, remote string) packet.ConnectionID {
	return packet.ConnectionID{
		Proto:  packet.ProtoTCP,
		Local:  netip.MustParseAddrPort(local),
		Remote: netip.MustParseAddrPort(remote),
	}
}

func knownAction(t *testing.T, tbl *conntable.Table, key packet.ConnectionID) conntable.Action {
	t.Helper()
	state, ok := tbl.Get(key)
	require.True(t, ok, "no entry for %s", key)
	known, isKnown := state.(*conntable.Known)
	require.True(t, isKnown, "entry for %s is not resolved", key)
	return known.Action
}

func TestPendingThenResolveIntercept(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("A"))

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		netCapture(true, raw),
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, raw, h.sender.sent[0])
	assert.Empty(t, h.inject.sent)

	fwd := tcpConn("10.0.0.1:5000", "1.2.3.4:443")
	assert.Equal(t, conntable.ActionIntercept, knownAction(t, h.table, fwd))
	assert.Equal(t, conntable.ActionPass, knownAction(t, h.table, fwd.Reverse()))
}

func TestPendingThenResolvePass(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("A"))

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		netCapture(true, raw),
		sockCapture(windivert.EventSocketConnect, 2000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	require.Len(t, h.inject.sent, 1)
	assert.Equal(t, raw, h.inject.sent[0].data)
	assert.Empty(t, h.sender.sent)

	fwd := tcpConn("10.0.0.1:5000", "1.2.3.4:443")
	assert.Equal(t, conntable.ActionPass, knownAction(t, h.table, fwd))
	assert.Equal(t, conntable.ActionPass, knownAction(t, h.table, fwd.Reverse()))
}

func TestDrainPreservesOrder(t *testing.T) {
	h := newHarness(t)
	p1 := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("P1"))
	p2 := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("P2"))
	p3 := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("P3"))

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		netCapture(true, p1),
		netCapture(true, p2),
		netCapture(true, p3),
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	require.Len(t, h.sender.sent, 3)
	assert.Equal(t, [][]byte{p1, p2, p3}, h.sender.sent)
}

func TestPacketAfterResolutionGoesStraightThrough(t *testing.T) {
	h := newHarness(t)
	early := testutil.SYNPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443)
	late := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("late"))

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		netCapture(true, early),
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
		netCapture(true, late),
	)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{early, late}, h.sender.sent)
}

func TestMulticastBypass(t *testing.T) {
	h := newHarness(t)
	raw := testutil.UDPPacket(t, "10.0.0.1", 5353, "224.0.0.1", 5353, []byte("mdns"))

	err := h.run(t, netCapture(true, raw))
	require.NoError(t, err)

	require.Len(t, h.inject.sent, 1)
	assert.Equal(t, raw, h.inject.sent[0].data)
	assert.Empty(t, h.sender.sent)
	assert.Equal(t, 0, h.table.Len())
}

func TestLoopbackBypass(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "127.0.0.1", 9000, "127.0.0.1", 9001, []byte("x"))

	err := h.run(t, netCapture(true, raw))
	require.NoError(t, err)

	require.Len(t, h.inject.sent, 1)
	assert.Empty(t, h.sender.sent)
	assert.Equal(t, 0, h.table.Len())
}

func TestPolicyReplacementMidFlight(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("A"))

	// Default policy intercepts nothing; the update lands while the
	// packet sits in the Pending buffer. Policy at Connect time governs.
	err := h.run(t,
		netCapture(true, raw),
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	require.Len(t, h.sender.sent, 1)
	assert.Empty(t, h.inject.sent)
}

func TestKernelPIDIgnored(t *testing.T) {
	h := newHarness(t)

	err := h.run(t,
		sockCapture(windivert.EventSocketConnect, windivert.KernelPID, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)
	assert.Equal(t, 0, h.table.Len())
}

func TestUnsupportedSocketProtocolIgnored(t *testing.T) {
	h := newHarness(t)

	err := h.run(t,
		sockCapture(windivert.EventSocketConnect, 1000, 1 /* ICMP */, "10.0.0.1:0", "1.2.3.4:0"),
	)
	require.NoError(t, err)
	assert.Equal(t, 0, h.table.Len())
}

func TestMulticastSocketEventIgnored(t *testing.T) {
	h := newHarness(t)

	err := h.run(t,
		sockCapture(windivert.EventSocketConnect, 1000, 17, "10.0.0.1:5353", "224.0.0.251:5353"),
	)
	require.NoError(t, err)
	assert.Equal(t, 0, h.table.Len())
}

func TestKnownIsTerminal(t *testing.T) {
	h := newHarness(t)

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})},
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
		// A second connect from a non-intercepted pid must not demote
		// the entry.
		sockCapture(windivert.EventSocketConnect, 2000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	fwd := tcpConn("10.0.0.1:5000", "1.2.3.4:443")
	assert.Equal(t, conntable.ActionIntercept, knownAction(t, h.table, fwd))
}

func TestCloseClearsPendingButKeepsEntry(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("A"))

	err := h.run(t,
		netCapture(true, raw),
		sockCapture(windivert.EventSocketClose, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)

	state, ok := h.table.Get(tcpConn("10.0.0.1:5000", "1.2.3.4:443"))
	require.True(t, ok, "close must not delete the entry")
	pending, isPending := state.(*conntable.Pending)
	require.True(t, isPending)
	assert.Empty(t, pending.Packets)
	// Nothing was emitted for the cleared packet.
	assert.Empty(t, h.inject.sent)
	assert.Empty(t, h.sender.sent)
}

func TestInboundPlaceholder(t *testing.T) {
	h := newHarness(t)
	// An inbound packet from a peer we have never seen.
	raw := testutil.SYNPacket(t, "5.6.7.8", 40000, "10.0.0.1", 8080)

	err := h.run(t, netCapture(false, raw))
	require.NoError(t, err)

	// Placeholder behavior: forward key intercepted, reverse key passed,
	// and the packet itself goes to the controller.
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, raw, h.sender.sent[0])

	fwd := tcpConn("5.6.7.8:40000", "10.0.0.1:8080")
	assert.Equal(t, conntable.ActionIntercept, knownAction(t, h.table, fwd))
	assert.Equal(t, conntable.ActionPass, knownAction(t, h.table, fwd.Reverse()))
}

func TestInjectRoundTrip(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "1.2.3.4", 443, "10.0.0.1", 5000, []byte("resp"))

	err := h.run(t, InjectEvent{Data: raw})
	require.NoError(t, err)

	require.Len(t, h.inject.sent, 1)
	got := h.inject.sent[0]
	// Payload bytes unchanged; metadata synthesised outbound with
	// checksum-valid flags cleared.
	assert.Equal(t, raw, got.data)
	assert.True(t, got.addr.Outbound)
	assert.False(t, got.addr.IPChecksum)
	assert.False(t, got.addr.TCPChecksum)
	assert.False(t, got.addr.UDPChecksum)
}

func TestParseFailureIsDroppedAndProcessingContinues(t *testing.T) {
	h := newHarness(t)
	good := testutil.UDPPacket(t, "10.0.0.1", 5000, "8.8.8.8", 53, []byte("q"))

	err := h.run(t,
		netCapture(true, []byte{0xde, 0xad}),
		netCapture(true, good),
	)
	require.NoError(t, err)

	// The bad packet vanished silently; the good one was buffered.
	assert.Equal(t, 1, h.table.Len())
	assert.Equal(t, uint64(1), h.engine.metrics.Snapshot().PacketsDropped)
}

func TestShutdownEventStopsRun(t *testing.T) {
	h := newHarness(t)
	before := testutil.UDPPacket(t, "10.0.0.1", 5353, "224.0.0.1", 5353, []byte("m"))
	after := testutil.UDPPacket(t, "10.0.0.1", 5354, "224.0.0.1", 5353, []byte("m"))

	// The queue stays open: shutdown alone must end the run loop, and
	// nothing queued behind it is processed.
	q := NewQueue[Event]()
	q.Push(netCapture(true, before))
	q.Push(ShutdownEvent{})
	q.Push(netCapture(true, after))

	err := h.engine.Run(q)
	require.NoError(t, err, "shutdown must yield a clean exit")
	assert.Len(t, h.inject.sent, 1)
	assert.Equal(t, 1, q.Len(), "events after shutdown stay unconsumed")
}

func TestFatalEventAbortsRun(t *testing.T) {
	h := newHarness(t)
	fatal := errors.New(errors.KindDiverter, "recv failed")

	err := h.run(t, FatalEvent{Err: fatal})
	require.Error(t, err)
	assert.Equal(t, errors.ExitDiverter, errors.ExitCode(err))
}

func TestInjectFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.inject.err = errors.New(errors.KindDiverter, "send failed")
	raw := testutil.UDPPacket(t, "10.0.0.1", 5353, "224.0.0.1", 5353, []byte("m"))

	err := h.run(t, netCapture(true, raw))
	require.Error(t, err)
	assert.Equal(t, errors.KindDiverter, errors.KindOf(err))
}

func TestPolicyIdempotence(t *testing.T) {
	h := newHarness(t)
	raw := testutil.TCPPacket(t, "10.0.0.1", 5000, "1.2.3.4", 443, []byte("A"))
	update := func() Event { return PolicyEvent{Policy: policy.InterceptInclude([]uint32{1000})} }

	err := h.run(t,
		update(),
		update(),
		netCapture(true, raw),
		sockCapture(windivert.EventSocketConnect, 1000, 6, "10.0.0.1:5000", "1.2.3.4:443"),
	)
	require.NoError(t, err)
	require.Len(t, h.sender.sent, 1)
}

func TestUDPFlowResolution(t *testing.T) {
	h := newHarness(t)
	raw := testutil.UDPPacket(t, "10.0.0.1", 53124, "8.8.8.8", 53, []byte("query"))

	err := h.run(t,
		PolicyEvent{Policy: policy.InterceptExclude(nil)},
		netCapture(true, raw),
		sockCapture(windivert.EventSocketConnect, 1234, 17, "10.0.0.1:53124", "8.8.8.8:53"),
	)
	require.NoError(t, err)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, raw, h.sender.sent[0])
}
