package config

import (
	"os"
	"path/filepath"
	"time"

	"comic-rpc/portalloc"
)

const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultBalancer         = "round_robin"
	DefaultRegistryTTL      = 10 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// DefaultLockFile is the single-instance lock used when none is configured.
func DefaultLockFile() string {
	return filepath.Join(os.TempDir(), "comicd.lock")
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.LockFile == "" {
		c.LockFile = DefaultLockFile()
	}
	if c.Balancer == "" {
		c.Balancer = DefaultBalancer
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = Duration(DefaultRegistryTTL)
	}
	if c.Registry.DialTimeout == 0 {
		c.Registry.DialTimeout = Duration(DefaultDialTimeout)
	}
	for i := range c.Workers {
		c.Workers[i].applyDefaults()
	}
}

func (w *Worker) applyDefaults() {
	if w.Group == "" {
		w.Group = w.Name
	}
	if w.Weight == 0 {
		w.Weight = 1
	}
	if w.CallTimeout == 0 {
		w.CallTimeout = Duration(DefaultCallTimeout)
	}
	if w.GracePeriod == 0 {
		w.GracePeriod = Duration(DefaultGracePeriod)
	}
	if h := w.Handshake; h != nil {
		if h.PortStart == 0 {
			h.PortStart = portalloc.DefaultStart
		}
		if h.PortEnd == 0 {
			h.PortEnd = portalloc.DefaultEnd
		}
		if h.Timeout == 0 {
			h.Timeout = Duration(DefaultHandshakeTimeout)
		}
	}
}
