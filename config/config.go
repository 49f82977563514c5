// Package config loads the host configuration: logging, the worker registry
// and the workers to spawn. Files are YAML (.yaml, .yml) or TOML (.toml);
// ${VAR} references are expanded from the environment before parsing.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the complete host configuration.
type Config struct {
	LogLevel  string   `yaml:"log_level" toml:"log_level"`
	LogFormat string   `yaml:"log_format" toml:"log_format"`
	LockFile  string   `yaml:"lock_file" toml:"lock_file"`
	Registry  Registry `yaml:"registry" toml:"registry"`
	Balancer  string   `yaml:"balancer" toml:"balancer"`
	Workers   []Worker `yaml:"workers" toml:"workers"`
}

// Registry selects where running workers are published. Without endpoints the
// registry lives in the host process.
type Registry struct {
	Endpoints   []string `yaml:"endpoints" toml:"endpoints"`
	Prefix      string   `yaml:"prefix" toml:"prefix"`
	TTL         Duration `yaml:"ttl" toml:"ttl"`
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// Worker describes one child process.
type Worker struct {
	Name              string            `yaml:"name" toml:"name"`
	Group             string            `yaml:"group" toml:"group"`
	Executable        string            `yaml:"executable" toml:"executable"`
	Args              []string          `yaml:"args" toml:"args"`
	Env               map[string]string `yaml:"env" toml:"env"`
	Dir               string            `yaml:"dir" toml:"dir"`
	Weight            int               `yaml:"weight" toml:"weight"`
	Codec             string            `yaml:"codec" toml:"codec"`
	Compress          string            `yaml:"compress" toml:"compress"`
	CallTimeout       Duration          `yaml:"call_timeout" toml:"call_timeout"`
	GracePeriod       Duration          `yaml:"grace_period" toml:"grace_period"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	Handshake         *Handshake        `yaml:"handshake" toml:"handshake"`
}

// Handshake enables the start-server exchange for workers that bind a port.
type Handshake struct {
	Host      string   `yaml:"host" toml:"host"`
	PortStart int      `yaml:"port_start" toml:"port_start"`
	PortEnd   int      `yaml:"port_end" toml:"port_end"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// Duration is a time.Duration written as a string such as "5s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml"),
// then applies defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte, ext string) (*Config, error) {
	data = expandEnv(data)

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} with the variable's value. Unset variables expand
// to the empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Worker returns the worker configured under name.
func (c *Config) Worker(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}
