package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logger:
  level: debug
nbi:
  port: 9090
intercom:
  serverAddress: ${INTERCOM_TEST_SERVER}
  operatorDirNo: "100"
  username: admin
`

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("INTERCOM_TEST_SERVER", "10.0.0.5")

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	ApplyDefaults(cfg)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "10.0.0.5", cfg.Intercom.ServerAddress)
	assert.Equal(t, "100", cfg.Intercom.OperatorDirNo)
	assert.Equal(t, 8086, cfg.Intercom.WampPort)
	assert.Equal(t, 0.97, cfg.Intercom.RenewalFraction)
	assert.Equal(t, 50, cfg.Intercom.InitialReconnectBudget)
	assert.Equal(t, 10, cfg.Intercom.ReconnectBudget)
	assert.Equal(t, 300*time.Millisecond, cfg.Intercom.RPCTimeout)
	assert.True(t, cfg.Intercom.SkipVerify())
	assert.Equal(t, 9090, cfg.NBI.Port)
	assert.Equal(t, "http", cfg.NBI.Scheme)
	assert.Nil(t, cfg.Database)
}

func TestValidateConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("intercom:\n  serverAddress: host\n"))
	require.NoError(t, err)
	ApplyDefaults(cfg)
	assert.ErrorContains(t, ValidateConfig(cfg), "operator dirno")

	cfg.Intercom.OperatorDirNo = "100"
	cfg.Logger.Level = "loud"
	assert.ErrorContains(t, ValidateConfig(cfg), "invalid log level")
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("INTERCOM_TEST_SERVER", "backend")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := InitConfigFactory(path)
	require.NoError(t, err)
	assert.Equal(t, path, GetConfigPath())
	assert.Same(t, cfg, GetConfig())

	cfg.Intercom.OperatorDirNo = "101"
	out := filepath.Join(dir, "nested", "saved.yaml")
	require.NoError(t, SaveConfig(cfg, out))

	reloaded, err := InitConfigFactory(out)
	require.NoError(t, err)
	assert.Equal(t, "101", reloaded.Intercom.OperatorDirNo)
}
