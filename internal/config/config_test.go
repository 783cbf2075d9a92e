package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btlink/internal/connmgr"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
adapter: hci1
service_name: CHAT
session_uuid: 00001101-0000-1000-8000-00805f9b34fb
connect_timeout: 5s
power_on: false
discoverable:
  long: 120s
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hci1", cfg.Adapter)
	assert.Equal(t, "CHAT", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.False(t, cfg.PowerOn)
	assert.Equal(t, 120*time.Second, cfg.Discoverable.Long)
	assert.Equal(t, 60*time.Second, cfg.Discoverable.Short)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", cfg.SessionID().String())

	sup := cfg.Supervisor()
	assert.Equal(t, "CHAT", sup.ServiceName)
	assert.Equal(t, cfg.SessionID(), sup.SessionID)
	assert.Equal(t, 120*time.Second, cfg.Discovery().LongWindow)
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, connmgr.DefaultAdapter, cfg.Adapter)
	assert.Equal(t, connmgr.DefaultServiceName, cfg.ServiceName)
	assert.Equal(t, connmgr.DefaultSessionUUID, cfg.SessionID())
	assert.True(t, cfg.PowerOn)
	assert.Equal(t, 300*time.Second, cfg.Discoverable.Long)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BTLINK_ADAPTER", "hci2")
	t.Setenv("BTLINK_DISCOVERABLE_SHORT", "30s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hci2", cfg.Adapter)
	assert.Equal(t, 30*time.Second, cfg.Discoverable.Short)
}

func TestLoadLogEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BTLINK_DEBUG", "yes")
	t.Setenv("BTLINK_LOG_OUTPUT", "stdout")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, "stdout", cfg.Log.Output)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileOverridesLogEnv(t *testing.T) {
	t.Setenv("BTLINK_DEBUG", "yes")
	path := writeFile(t, "log:\n  debug: false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Log.Debug)
}

func TestLoadRejectsBadUUID(t *testing.T) {
	path := writeFile(t, "session_uuid: not-a-uuid\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "session_uuid")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "connect_timeout: 0s\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "connect_timeout")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
