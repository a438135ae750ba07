// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the redirector's optional HCL configuration.
//
// Everything has a default matching the controller's expectations; a
// missing file is not an error. The pipe path given on the command line
// takes precedence over the file.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/SenberHu/winredirect/internal/errors"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// DefaultPipePath is the controller's named pipe when none is given.
const DefaultPipePath = `\\.\pipe\mitmproxy-transparent-proxy`

// Batch sizes for the two ingest workers.
const (
	DefaultSocketBatch  = 32
	DefaultNetworkBatch = 8
)

// Config is the redirector's runtime configuration.
type Config struct {
	// PipePath is the controller's named pipe.
	PipePath string `hcl:"pipe_path,optional"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `hcl:"log_level,optional"`
	// MetricsAddr enables the prometheus listener when non-empty.
	MetricsAddr string `hcl:"metrics_addr,optional"`
	// ConnectionTTL is the idle lifetime of connection table entries,
	// as a duration string ("10m").
	ConnectionTTL string `hcl:"connection_ttl,optional"`
	// SocketBatch is the socket-layer ingest batch size.
	SocketBatch int `hcl:"socket_batch,optional"`
	// NetworkBatch is the network-layer ingest batch size.
	NetworkBatch int `hcl:"network_batch,optional"`

	ttl time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PipePath:      DefaultPipePath,
		LogLevel:      "info",
		ConnectionTTL: "10m",
		SocketBatch:   DefaultSocketBatch,
		NetworkBatch:  DefaultNetworkBatch,
		ttl:           10 * time.Minute,
	}
}

// Load reads path if it exists, filling unset fields with defaults.
// An empty path or a missing file yields Default().
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
				return nil, errors.Wrapf(err, errors.KindConfig, "parsing %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindConfig, "reading %s", path)
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TTL returns the parsed connection TTL.
func (c *Config) TTL() time.Duration { return c.ttl }

func (c *Config) normalize() error {
	def := Default()
	if c.PipePath == "" {
		c.PipePath = def.PipePath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.ConnectionTTL == "" {
		c.ConnectionTTL = def.ConnectionTTL
	}
	if c.SocketBatch == 0 {
		c.SocketBatch = def.SocketBatch
	}
	if c.NetworkBatch == 0 {
		c.NetworkBatch = def.NetworkBatch
	}

	ttl, err := time.ParseDuration(c.ConnectionTTL)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "invalid connection_ttl %q", c.ConnectionTTL)
	}
	if ttl <= 0 {
		return errors.Errorf(errors.KindConfig, "connection_ttl must be positive, got %q", c.ConnectionTTL)
	}
	c.ttl = ttl

	if c.SocketBatch < 1 || c.NetworkBatch < 1 {
		return errors.New(errors.KindConfig, "batch sizes must be at least 1")
	}
	if c.NetworkBatch*windivert.MaxPacketSize > 1<<24 {
		return errors.Errorf(errors.KindConfig, "network_batch %d needs an unreasonable receive buffer", c.NetworkBatch)
	}
	return nil
}
