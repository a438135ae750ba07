// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// winredirect is a transparent redirector run as a subprocess of the
// interception proxy. It takes one positional argument, the controller's
// named pipe path, and reads optional settings from winredirect.hcl in
// the working directory.
package main

import (
	"os"

	"github.com/SenberHu/winredirect/internal/config"
	"github.com/SenberHu/winredirect/internal/conntable"
	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/ipc"
	"github.com/SenberHu/winredirect/internal/logging"
	"github.com/SenberHu/winredirect/internal/metrics"
	"github.com/SenberHu/winredirect/internal/redirect"
	"github.com/SenberHu/winredirect/internal/windivert"
)

const configFile = "winredirect.hcl"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		logging.Default().Error("invalid configuration", "err", err)
		return errors.ExitCode(err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, ReportTimestamp: true})
	logging.SetDefault(log)

	pipePath := cfg.PipePath
	if len(args) > 0 {
		pipePath = args[0]
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(cfg.MetricsAddr); err != nil {
				log.Warn("metrics listener failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	ep, err := ipc.Dial(pipePath)
	if err != nil {
		log.Error("cannot open pipe", "path", pipePath, "err", err)
		return errors.ExitCode(err)
	}
	defer ep.Close()

	socketHandle, err := windivert.Open(
		windivert.FilterTCPUDP, windivert.LayerSocket, windivert.PrioritySocket,
		windivert.FlagRecvOnly|windivert.FlagSniff)
	if err != nil {
		log.Error("opening socket handle", "err", err)
		return errors.ExitCode(err)
	}
	defer socketHandle.Close()

	networkHandle, err := windivert.Open(
		windivert.FilterTCPUDP, windivert.LayerNetwork, windivert.PriorityNetwork, 0)
	if err != nil {
		log.Error("opening network handle", "err", err)
		return errors.ExitCode(err)
	}
	defer networkHandle.Close()

	injectHandle, err := windivert.Open(
		windivert.FilterNone, windivert.LayerNetwork, windivert.PriorityInject,
		windivert.FlagSendOnly)
	if err != nil {
		log.Error("opening inject handle", "err", err)
		return errors.ExitCode(err)
	}
	defer injectHandle.Close()

	events := redirect.NewQueue[redirect.Event]()
	outbound := redirect.NewQueue[ipc.Message]()

	go redirect.RelayCaptures(socketHandle, 0, cfg.SocketBatch, events, log.WithComponent("socket"))
	go redirect.RelayCaptures(networkHandle, windivert.MaxPacketSize, cfg.NetworkBatch, events, log.WithComponent("network"))

	bridge := redirect.NewBridge(ep, log.WithComponent("ipc"), m)
	bridge.Start(events, outbound)

	table := conntable.New(cfg.TTL())
	engine := redirect.New(table, injectHandle, redirect.QueueSender{Outbound: outbound}, log.WithComponent("engine"), m)

	log.Info("redirector running", "pipe", pipePath, "ttl", cfg.TTL())
	err = engine.Run(events)
	if err != nil {
		log.Error("terminating", "err", err, "stats", m.Snapshot())
		return errors.ExitCode(err)
	}
	log.Info("shutdown complete", "stats", m.Snapshot())
	return errors.ExitOK
}
