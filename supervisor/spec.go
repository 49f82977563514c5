package supervisor

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"comic-rpc/codec"
	"comic-rpc/compress"
	"comic-rpc/config"
)

// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Spec describes a worker process to spawn.
type Spec struct {
	Name       string
	Group      string // defaults to Name
	Executable string // absolute path or a name looked up in PATH
	Args       []string
	Env        []string // KEY=VALUE entries added to the host environment
	Dir        string
	Weight     int

	Codec             codec.CodecType
	Compress          compress.Type
	CallTimeout       time.Duration // zero uses client.DefaultCallTimeout
	GracePeriod       time.Duration // zero uses DefaultGracePeriod
	HeartbeatInterval time.Duration // zero disables heartbeats

	// Handshake, when set, makes Spawn allocate a port and wait for the
	// worker's server-start-response before the worker counts as ready.
	Handshake *Handshake

	Logger *zap.Logger
}

// Handshake configures the start-server exchange.
type Handshake struct {
	Host      string // interface probed by the port allocator; empty means all
	PortStart int
	PortEnd   int
	Timeout   time.Duration
}

// SpecFromConfig converts a configured worker.
func SpecFromConfig(w config.Worker) (Spec, error) {
	codecType, err := codec.ParseType(w.Codec)
	if err != nil {
		return Spec{}, err
	}
	compressType, err := compress.ParseType(w.Compress)
	if err != nil {
		return Spec{}, err
	}

	env := make([]string, 0, len(w.Env))
	for k, v := range w.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	spec := Spec{
		Name:              w.Name,
		Group:             w.Group,
		Executable:        w.Executable,
		Args:              w.Args,
		Env:               env,
		Dir:               w.Dir,
		Weight:            w.Weight,
		Codec:             codecType,
		Compress:          compressType,
		CallTimeout:       w.CallTimeout.D(),
		GracePeriod:       w.GracePeriod.D(),
		HeartbeatInterval: w.HeartbeatInterval.D(),
	}
	if h := w.Handshake; h != nil {
		spec.Handshake = &Handshake{
			Host:      h.Host,
			PortStart: h.PortStart,
			PortEnd:   h.PortEnd,
			Timeout:   h.Timeout.D(),
		}
	}
	return spec, nil
}
