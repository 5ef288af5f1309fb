// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneListenPorts(t *testing.T) {
	cfg := Default()
	require.Equal(t, 5027, cfg.Ports.Teltonika)
	require.Equal(t, 5023, cfg.Ports.GT06)
	require.Equal(t, 5013, cfg.Ports.H02)
	require.Equal(t, 5001, cfg.Ports.TK103)
	require.Equal(t, 5020, cfg.Ports.Meitrack)
	require.Equal(t, 5026, cfg.Ports.Queclink)
	require.Equal(t, 5149, cfg.Ports.Flespi)
	require.Equal(t, 5055, cfg.Ports.OsmAnd)
	require.True(t, cfg.EnableWebSockets)
	require.True(t, cfg.EnableNotifications)
	require.True(t, cfg.EnableCommandQueue)
}

func TestFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv("FLEETWATCH_PORT_GT06", "9999")
	t.Setenv("FLEETWATCH_STORE_PATH", "/tmp/fleet.db")
	t.Setenv("FLEETWATCH_ENABLE_WEBSOCKETS", "false")
	t.Setenv("FLEETWATCH_SWEEP_INTERVAL", "30s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Ports.GT06)
	require.Equal(t, "/tmp/fleet.db", cfg.StorePath)
	require.False(t, cfg.EnableWebSockets)
	require.Equal(t, "30s", cfg.SweepInterval.String())
}

func TestFromEnvIgnoresMalformedOverrides(t *testing.T) {
	t.Setenv("FLEETWATCH_PORT_GT06", "not-a-number")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 5023, cfg.Ports.GT06)
}

func TestAdminPasswordHashedAndVerifiable(t *testing.T) {
	t.Setenv("FLEETWATCH_ADMIN_PASSWORD", "correct-horse-battery-staple")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.AdminPasswordHash)
	require.NotEqual(t, "correct-horse-battery-staple", cfg.AdminPasswordHash)
	require.True(t, cfg.VerifyAdminPassword("correct-horse-battery-staple"))
	require.False(t, cfg.VerifyAdminPassword("wrong-password"))
}

func TestVerifyAdminPasswordFalseWithoutBootstrap(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.VerifyAdminPassword("anything"))
}
