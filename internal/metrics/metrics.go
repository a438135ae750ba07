// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics counts the redirector's packet dispositions.
//
// Counters are plain atomics so the hot path never touches a histogram or
// a lock; a prometheus registry reads them on scrape. The listener is off
// by default since the redirector is a headless subprocess.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the redirector's counters.
type Metrics struct {
	packetsReceived    atomic.Uint64
	packetsInjected    atomic.Uint64
	packetsIntercepted atomic.Uint64
	packetsDropped     atomic.Uint64
	packetsBuffered    atomic.Uint64
	socketEvents       atomic.Uint64
	ipcMessagesIn      atomic.Uint64
	ipcMessagesOut     atomic.Uint64
	tableSize          atomic.Int64

	registry *prometheus.Registry
}

// New creates the counter set and its prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	counter := func(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "winredirect",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	m.registry.MustRegister(
		counter("packets_received_total", "Network packets dequeued from the diverter.", &m.packetsReceived),
		counter("packets_injected_total", "Packets re-injected into the kernel.", &m.packetsInjected),
		counter("packets_intercepted_total", "Packets forwarded to the controller.", &m.packetsIntercepted),
		counter("packets_dropped_total", "Packets dropped because they failed to parse.", &m.packetsDropped),
		counter("packets_buffered_total", "Packets buffered awaiting a socket event.", &m.packetsBuffered),
		counter("socket_events_total", "Socket lifecycle events consumed.", &m.socketEvents),
		counter("ipc_messages_in_total", "Messages received from the controller.", &m.ipcMessagesIn),
		counter("ipc_messages_out_total", "Messages sent to the controller.", &m.ipcMessagesOut),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "winredirect",
			Name:      "connection_table_size",
			Help:      "Entries in the connection table, including expired ones not yet swept.",
		}, func() float64 { return float64(m.tableSize.Load()) }),
	)
	return m
}

func (m *Metrics) PacketReceived()    { m.packetsReceived.Add(1) }
func (m *Metrics) PacketInjected()    { m.packetsInjected.Add(1) }
func (m *Metrics) PacketIntercepted() { m.packetsIntercepted.Add(1) }
func (m *Metrics) PacketDropped()     { m.packetsDropped.Add(1) }
func (m *Metrics) PacketBuffered()    { m.packetsBuffered.Add(1) }
func (m *Metrics) SocketEvent()       { m.socketEvents.Add(1) }
func (m *Metrics) IPCMessageIn()      { m.ipcMessagesIn.Add(1) }
func (m *Metrics) IPCMessageOut()     { m.ipcMessagesOut.Add(1) }

// SetTableSize records the current connection table size.
func (m *Metrics) SetTableSize(n int) { m.tableSize.Store(int64(n)) }

// Registry returns the prometheus registry backing the counters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PacketsReceived    uint64 `json:"packets_received"`
	PacketsInjected    uint64 `json:"packets_injected"`
	PacketsIntercepted uint64 `json:"packets_intercepted"`
	PacketsDropped     uint64 `json:"packets_dropped"`
	PacketsBuffered    uint64 `json:"packets_buffered"`
	SocketEvents       uint64 `json:"socket_events"`
	IPCMessagesIn      uint64 `json:"ipc_messages_in"`
	IPCMessagesOut     uint64 `json:"ipc_messages_out"`
	TableSize          int64  `json:"connection_table_size"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PacketsReceived:    m.packetsReceived.Load(),
		PacketsInjected:    m.packetsInjected.Load(),
		PacketsIntercepted: m.packetsIntercepted.Load(),
		PacketsDropped:     m.packetsDropped.Load(),
		PacketsBuffered:    m.packetsBuffered.Load(),
		SocketEvents:       m.socketEvents.Load(),
		IPCMessagesIn:      m.ipcMessagesIn.Load(),
		IPCMessagesOut:     m.ipcMessagesOut.Load(),
		TableSize:          m.tableSize.Load(),
	}
}

// Serve exposes the registry over HTTP at /metrics. It blocks; run it in
// its own goroutine. Intended for debugging deployments only.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
