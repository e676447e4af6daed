// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/shieldcore/wire"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load([]byte(`DataDir = "/var/lib/shield"`))
	require.NoError(t, err)

	require.Equal(t, wire.PayloadSizeSmall, cfg.Wire.PayloadSize)
	require.Equal(t, uint64(50), cfg.Ratchet.KEMRatchetInterval)
	require.Equal(t, 2*time.Minute, cfg.Delivery.RetrySweepInterval)
	require.Equal(t, 30*time.Second, cfg.Delivery.RetryFloor)
	require.Equal(t, 50, cfg.DoS.MaxConnectionsPerSecond)
	require.Equal(t, 200, cfg.DoS.MaxConcurrent)
	require.Equal(t, 10, cfg.DoS.MaxPerCircuitPerMinute)
	require.Equal(t, 5*time.Minute, cfg.DoS.BanDuration)
	require.Equal(t, 5, cfg.DoS.BanThreshold)
	require.Equal(t, 0.75, cfg.DoS.PoWActivationThreshold)
	require.Equal(t, 16, cfg.DoS.PoWDifficulty)
	require.Equal(t, "NOTICE", cfg.Logging.Level)
}

func TestConfigValidation(t *testing.T) {
	_, err := Load([]byte(``))
	require.Error(t, err)

	_, err = Load([]byte(`DataDir = "relative/path"`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/var/lib/shield"
[Wire]
PayloadSize = 1000
`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/var/lib/shield"
[Logging]
Level = "LOUD"
`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/var/lib/shield"
NoSuchKey = true
`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/var/lib/shield"
[Transport]
ListenAddr = "127.0.0.1:29484"
`))
	require.Error(t, err)
}

func TestConfigOverrides(t *testing.T) {
	cfg, err := Load([]byte(`
DataDir = "/var/lib/shield"
[Wire]
PayloadSize = 16384
[Ratchet]
KEMRatchetInterval = 100
`))
	require.NoError(t, err)
	require.Equal(t, wire.PayloadSizeLarge, cfg.Wire.PayloadSize)
	require.Equal(t, uint64(100), cfg.Ratchet.KEMRatchetInterval)
}
