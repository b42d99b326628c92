package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatnet/probe/arbiter"
	"github.com/meatnet/probe/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		sources   map[string]string
		expectErr string
		check     func(testing.TB, *Config)
	}{
		{name: "empty",
			sources: map[string]string{"main": ``},
			check: func(t testing.TB, c *Config) {
				assert.False(t, c.Meatnet.MeshEnable)
				mc := c.ManagerConfig()
				assert.Zero(t, mc.RequestTimeout, "defaults applied downstream")
			}},

		{name: "meatnet",
			sources: map[string]string{"main": `
meatnet {
  mesh_enable = true
  scheme = "settling"
  settle_window_ms = 1500
  connect_retries = 5
  request_timeout_ms = 2000
}
link { idle_timeout_ms = 30000 rssi_alpha = 0.5 }`},
			check: func(t testing.TB, c *Config) {
				mc := c.ManagerConfig()
				assert.True(t, mc.MeshEnabled)
				assert.Equal(t, arbiter.SchemeSettling, mc.Scheme)
				assert.Equal(t, 1500*time.Millisecond, mc.SettleWindow)
				assert.Equal(t, 5, mc.ConnectRetries)
				assert.Equal(t, 2*time.Second, mc.RequestTimeout)
				assert.Equal(t, 30*time.Second, mc.Link.IdleTimeout)
				assert.InDelta(t, 0.5, mc.Link.RSSIAlpha, 0.001)
			}},

		{name: "dfu-tele",
			sources: map[string]string{"main": `
dfu { stuck_threshold_ms = 20000 retry_limit = 3 }
tele {
  enable = true
  mqtt_broker = "tcp://broker:1883"
  client_id = "probe-gw1"
}`},
			check: func(t testing.TB, c *Config) {
				dc := c.DFUConfig()
				assert.Equal(t, 20*time.Second, dc.StuckThreshold)
				assert.Equal(t, 3, dc.RetryLimit)
				assert.True(t, c.Tele.Enabled)
				assert.Equal(t, "tcp://broker:1883", c.Tele.MqttBroker)
				assert.Equal(t, "probe-gw1", c.Tele.ClientID)
			}},

		{name: "include",
			sources: map[string]string{
				"main": `
include "site" {}
meatnet { mesh_enable = true }`,
				"site": `dfu { retry_limit = 7 }`,
			},
			check: func(t testing.TB, c *Config) {
				assert.True(t, c.Meatnet.MeshEnable)
				assert.Equal(t, 7, c.DFU.RetryLimit)
			}},

		{name: "include-optional-missing",
			sources: map[string]string{"main": `include "absent" { optional = true }`},
			check:   func(t testing.TB, c *Config) {}},

		{name: "include-required-missing",
			sources:   map[string]string{"main": `include "absent" {}`},
			expectErr: "not found"},

		{name: "include-loop",
			sources: map[string]string{
				"main": `include "a" {}`,
				"a":    `include "main" {}`,
			},
			expectErr: "include loop"},

		{name: "syntax-error",
			sources:   map[string]string{"main": `meatnet { mesh_enable = `},
			expectErr: "unmarshal"},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := ReadConfig(log, NewMockFullReader(c.sources), "main")
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}
