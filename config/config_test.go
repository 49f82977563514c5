package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
log_level: debug
log_format: json
balancer: weighted_random
registry:
  endpoints: ["${COMIC_TEST_ETCD}"]
  ttl: 15s
workers:
  - name: crawler-1
    group: crawler
    executable: /usr/local/bin/crawler
    args: ["--variant", "primary"]
    weight: 3
    codec: binary
    compress: snappy
    call_timeout: 1m
  - name: images
    executable: /usr/local/bin/imageserver
    env:
      IMAGE_DIR: /srv/comics
    handshake:
      host: 127.0.0.1
      port_start: 12000
`

const tomlConfig = `
log_level = "warn"

[[workers]]
name = "crawler-1"
executable = "/usr/local/bin/crawler"
grace_period = "2s"

[[workers]]
name = "images"
executable = "/usr/local/bin/imageserver"

[workers.handshake]
timeout = "3s"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("COMIC_TEST_ETCD", "10.0.0.5:2379")
	cfg, err := Load(writeFile(t, "comicd.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "weighted_random", cfg.Balancer)
	assert.Equal(t, []string{"10.0.0.5:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, 15*time.Second, cfg.Registry.TTL.D())
	assert.Equal(t, DefaultDialTimeout, cfg.Registry.DialTimeout.D())
	require.Len(t, cfg.Workers, 2)

	crawler := cfg.Workers[0]
	assert.Equal(t, "crawler", crawler.Group)
	assert.Equal(t, []string{"--variant", "primary"}, crawler.Args)
	assert.Equal(t, 3, crawler.Weight)
	assert.Equal(t, "binary", crawler.Codec)
	assert.Equal(t, "snappy", crawler.Compress)
	assert.Equal(t, time.Minute, crawler.CallTimeout.D())
	assert.Equal(t, DefaultGracePeriod, crawler.GracePeriod.D())
	assert.Nil(t, crawler.Handshake)

	images, ok := cfg.Worker("images")
	require.True(t, ok)
	assert.Equal(t, "images", images.Group)
	assert.Equal(t, 1, images.Weight)
	assert.Equal(t, "/srv/comics", images.Env["IMAGE_DIR"])
	require.NotNil(t, images.Handshake)
	assert.Equal(t, "127.0.0.1", images.Handshake.Host)
	assert.Equal(t, 12000, images.Handshake.PortStart)
	assert.Equal(t, 99999, images.Handshake.PortEnd)
	assert.Equal(t, DefaultHandshakeTimeout, images.Handshake.Timeout.D())
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "comicd.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultBalancer, cfg.Balancer)
	assert.Equal(t, DefaultLockFile(), cfg.LockFile)
	assert.Empty(t, cfg.Registry.Endpoints)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, 2*time.Second, cfg.Workers[0].GracePeriod.D())
	assert.Equal(t, DefaultCallTimeout, cfg.Workers[0].CallTimeout.D())
	require.NotNil(t, cfg.Workers[1].Handshake)
	assert.Equal(t, 3*time.Second, cfg.Workers[1].Handshake.Timeout.D())
	assert.Equal(t, 10000, cfg.Workers[1].Handshake.PortStart)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		ext  string
		data string
		want string
	}{
		{name: "format", ext: ".ini", data: "", want: "unsupported config format"},
		{name: "unknown key", ext: ".yaml", data: "workerz: []", want: "parse config"},
		{name: "bad duration", ext: ".yaml", data: "workers: [{name: a, executable: a, call_timeout: soon}]", want: "parse config"},
		{name: "no workers", ext: ".yaml", data: "log_level: info", want: "at least one worker"},
		{name: "no executable", ext: ".yaml", data: "workers: [{name: a}]", want: "executable is required"},
		{name: "duplicate", ext: ".yaml", data: "workers: [{name: a, executable: a}, {name: a, executable: b}]", want: "duplicate name"},
		{name: "codec", ext: ".yaml", data: "workers: [{name: a, executable: a, codec: xml}]", want: "unknown codec"},
		{name: "compress", ext: ".yaml", data: "workers: [{name: a, executable: a, compress: zstd}]", want: "unknown compression"},
		{name: "balancer", ext: ".yaml", data: "balancer: fastest\nworkers: [{name: a, executable: a}]", want: "balancer"},
		{name: "log level", ext: ".yaml", data: "log_level: loud\nworkers: [{name: a, executable: a}]", want: "log_level"},
		{name: "port range", ext: ".yaml", data: "workers: [{name: a, executable: a, handshake: {port_start: 2000, port_end: 1000}}]", want: "invalid handshake port range"},
		{name: "toml unknown key", ext: ".toml", data: "colour = \"red\"", want: "parse config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), tc.ext)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.D())
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
