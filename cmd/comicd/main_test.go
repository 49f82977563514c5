package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comic-rpc/config"
	"comic-rpc/logging"
	"comic-rpc/worker/crawler"
)

const helperEnv = "COMICD_HELPER_CRAWLER"

func TestMain(m *testing.M) {
	if variant := os.Getenv(helperEnv); variant != "" {
		s, err := crawler.New(crawler.Options{Variant: crawler.Variant(variant)})
		if err == nil {
			err = s.Listen(context.Background())
		}
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// writeConfig writes a YAML config whose workers are this test binary.
func writeConfig(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	data := `
log_level: error
lock_file: ` + filepath.Join(dir, "comicd.lock") + `
workers:
  - name: crawler-primary
    group: crawler
    executable: ` + exe + `
    env:
      ` + helperEnv + `: primary
  - name: crawler-secondary
    group: crawler
    executable: ` + exe + `
    env:
      ` + helperEnv + `: secondary
`
	path := filepath.Join(dir, "comicd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPortCommand(t *testing.T) {
	out, err := execute(t, "port", "--host", "127.0.0.1", "--start", "20000", "--end", "30000")
	require.NoError(t, err)
	port, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 20000)
	assert.LessOrEqual(t, port, 30000)

	_, err = execute(t, "port", "--start", "30000", "--end", "20000")
	assert.Error(t, err)
}

func TestCallCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "-c", path, "call", "crawler-primary", "ping", "{}")
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, strings.TrimSpace(out))

	out, err = execute(t, "-c", path, "call", "crawler-secondary", "crawler-info")
	require.NoError(t, err)
	assert.Contains(t, out, `"variant":"secondary"`)

	_, err = execute(t, "-c", path, "call", "crawler-primary", "missing")
	assert.ErrorContains(t, err, "NO_MESSAGE_HANDLER")

	_, err = execute(t, "-c", path, "call", "nobody", "ping")
	assert.Error(t, err)

	_, err = execute(t, "-c", path, "call", "crawler-primary", "ping", "{not json")
	assert.Error(t, err)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	held := flock.New(cfg.LockFile)
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	_, err = execute(t, "-c", path, "run")
	assert.ErrorContains(t, err, "already running")
}

func TestRunHostStopsOnCancel(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runHost(ctx, cfg, logging.OrNop(nil)) }()

	time.Sleep(500 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("runHost did not return after cancel")
	}
}
