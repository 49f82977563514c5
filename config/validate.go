package config

import (
	"errors"
	"fmt"
	"strings"

	"comic-rpc/codec"
	"comic-rpc/compress"
	"comic-rpc/loadbalance"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return fmt.Errorf("balancer: %w", err)
	}
	if len(c.Workers) == 0 {
		return errors.New("at least one worker is required")
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if err := w.validate(); err != nil {
			return fmt.Errorf("workers[%d]: %w", i, err)
		}
		if seen[w.Name] {
			return fmt.Errorf("workers[%d]: duplicate name %q", i, w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

func (w *Worker) validate() error {
	if w.Name == "" {
		return errors.New("name is required")
	}
	if w.Executable == "" {
		return fmt.Errorf("%s: executable is required", w.Name)
	}
	if w.Weight < 0 {
		return fmt.Errorf("%s: weight must not be negative", w.Name)
	}
	if _, err := codec.ParseType(w.Codec); err != nil {
		return fmt.Errorf("%s: %w", w.Name, err)
	}
	if _, err := compress.ParseType(w.Compress); err != nil {
		return fmt.Errorf("%s: %w", w.Name, err)
	}
	if w.CallTimeout < 0 || w.GracePeriod < 0 || w.HeartbeatInterval < 0 {
		return fmt.Errorf("%s: durations must not be negative", w.Name)
	}
	if h := w.Handshake; h != nil {
		if h.PortStart < 1 || h.PortStart > h.PortEnd {
			return fmt.Errorf("%s: invalid handshake port range %d-%d", w.Name, h.PortStart, h.PortEnd)
		}
	}
	return nil
}
