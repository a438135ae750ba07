// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"github.com/SenberHu/winredirect/internal/ipc"
	"github.com/SenberHu/winredirect/internal/logging"
	"github.com/SenberHu/winredirect/internal/metrics"
	"github.com/SenberHu/winredirect/internal/policy"
)

// Bridge owns the IPC endpoint and moves its two directions onto and off
// of the queues. Inbound messages become events on the merged queue;
// outbound messages are drained from their own queue so the consumer
// never blocks on the pipe.
type Bridge struct {
	ep      *ipc.Endpoint
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewBridge wraps an established endpoint.
func NewBridge(ep *ipc.Endpoint, log *logging.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{ep: ep, log: log, metrics: m}
}

// Start launches the reader and writer tasks. Either direction failing is
// fatal and is delivered to the consumer as a FatalEvent; a controller
// Shutdown ends the reader and delivers a ShutdownEvent.
func (b *Bridge) Start(events *Queue[Event], outbound *Queue[ipc.Message]) {
	go b.readLoop(events)
	go b.writeLoop(events, outbound)
}

func (b *Bridge) readLoop(events *Queue[Event]) {
	for {
		msg, err := b.ep.Read()
		if err != nil {
			events.Push(FatalEvent{Err: err})
			return
		}
		b.metrics.IPCMessageIn()
		switch msg.Kind {
		case ipc.KindPacket:
			events.Push(InjectEvent{Data: msg.Packet})
		case ipc.KindInterceptInclude:
			events.Push(PolicyEvent{Policy: policy.InterceptInclude(msg.PIDs)})
		case ipc.KindInterceptExclude:
			events.Push(PolicyEvent{Policy: policy.InterceptExclude(msg.PIDs)})
		case ipc.KindShutdown:
			b.log.Info("controller requested shutdown")
			events.Push(ShutdownEvent{})
			return
		}
	}
}

func (b *Bridge) writeLoop(events *Queue[Event], outbound *Queue[ipc.Message]) {
	for {
		msg, ok := outbound.Pop()
		if !ok {
			return
		}
		if err := b.ep.Write(msg); err != nil {
			events.Push(FatalEvent{Err: err})
			return
		}
		b.metrics.IPCMessageOut()
	}
}

// QueueSender enqueues intercepted packets for the bridge's writer task.
// It implements Sender and never blocks.
type QueueSender struct {
	Outbound *Queue[ipc.Message]
}

// SendPacket queues one intercepted packet for the controller.
func (s QueueSender) SendPacket(data []byte) error {
	s.Outbound.Push(ipc.PacketMessage(data))
	return nil
}
