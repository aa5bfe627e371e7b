// cmd/sensorhubd/main_test.go
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simYAML = `
hub:
  name: bench-hub
transport:
  kind: sim
  sim:
    firmware: 0x00010002
    targets: [1, 2]
    sample_tick_ms: 5
watchdog:
  disabled: true
targets:
  - id: 1
    name: accel
    enable_on_start: true
    period_ms: 10
  - id: 2
    name: gyro
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensorhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute("validate", writeConfig(t, simYAML))
	require.NoError(t, err)
	assert.Contains(t, out, `hub="bench-hub" transport=sim targets=2`)
	assert.Contains(t, out, "accel")
}

func TestValidateCommand_Invalid(t *testing.T) {
	_, err := execute("validate", writeConfig(t, "transport:\n  kind: can\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")

	_, err = execute("validate", writeConfig(t, "bogus: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config load failed")
}

func TestValidateCommand_Args(t *testing.T) {
	_, err := execute("validate")
	assert.Error(t, err)
}

func TestRun_SimUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(writeConfig(t, simYAML))
	require.NoError(t, err)
	cfg.Log.File = filepath.Join(dir, "sensorhubd.log")
	cfg.Log.Format = "json"
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.API.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, cfg))

	logs, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "sensorhubd running")
	assert.FileExists(t, cfg.Journal.Path)
}
