package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/connection"
)

const testConfig = `
logger:
  level: warn
intercom:
  serverAddress: 127.0.0.1
  wampPort: 8086
  restPort: 443
  operatorDirNo: "100"
database:
  type: postgres
  dsn: host=unreachable.invalid user=none
`

func TestWampURL(t *testing.T) {
	assert.Equal(t, "wss://10.0.0.5:8086", WampURL(&config.Intercom{ServerAddress: "10.0.0.5", WampPort: 8086}))
	assert.Equal(t, "wss://[fd00::1]:8086", WampURL(&config.Intercom{ServerAddress: "fd00::1", WampPort: 8086}))
	assert.Equal(t, "wss://backend", WampURL(&config.Intercom{ServerAddress: "backend"}))
}

func TestNewWiresWithoutStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))

	a, err := New(path, WithoutStore())
	require.NoError(t, err)
	defer a.Stop()

	assert.Nil(t, a.store)
	assert.Equal(t, "100", a.GetContext().OperatorDirNo())
	assert.Equal(t, connection.StateDisconnected, a.backend.Connection.State())
	assert.NotNil(t, a.backend.Calls)
	assert.NotNil(t, a.backend.Forwarding)

	// the sync core, the websocket stream and the hooks share one bus
	assert.Same(t, a.GetBus(), a.backend.Bus)
	status := a.backend.TracerStatus()
	assert.NotEmpty(t, status)
	for _, subscribed := range status {
		assert.False(t, subscribed)
	}
}
