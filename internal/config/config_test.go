package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Office/internal/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 25.0, cfg.Proximity.Threshold)
	assert.Equal(t, 50.0, cfg.Proximity.MaxDistance)
	assert.Equal(t, 0.1, cfg.Proximity.GainDelta)
	assert.Equal(t, 2*time.Second, cfg.Proximity.Tick)
	assert.Equal(t, 50*time.Millisecond, cfg.Activity.Interval)
	assert.Equal(t, 15*time.Second, cfg.Media.NegotiationTimeout)
	assert.Len(t, cfg.Media.ICEServers, 2)
	assert.Equal(t, 50.0, cfg.Agent.X)
	assert.Equal(t, 80.0, cfg.Agent.Y)
	assert.Equal(t, "kick", cfg.Signal.Backpressure)

	m, err := cfg.Proximity.Model()
	require.NoError(t, err)
	assert.IsType(t, spatial.Euclidean{}, m)
}

func TestFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
port: 9000
proximity:
  mode: room
  rooms:
    - {name: kitchen, x0: 0, y0: 0, x1: 50, y1: 50}
agent:
  name: from-file
  office: hq
`)
	t.Setenv("OFFICE_PORT", "9100")

	flags := AgentFlags()
	require.NoError(t, flags.Parse([]string{"--name", "from-flag", "--auto-accept"}))

	cfg, err := LoadFile(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-flag", cfg.Agent.Name)
	assert.Equal(t, "hq", cfg.Agent.Office)
	assert.True(t, cfg.Agent.AutoAccept)
	assert.True(t, cfg.Agent.Voice)

	m, err := cfg.Proximity.Model()
	require.NoError(t, err)
	rooms, ok := m.(spatial.Rooms)
	require.True(t, ok)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "kitchen", rooms.Rooms[0].Name)
}

func TestUnknownProximityMode(t *testing.T) {
	_, err := ProximityConfig{Mode: "teleport"}.Model()
	assert.Error(t, err)
	_, err = ProximityConfig{Mode: "room"}.Model()
	assert.Error(t, err)
}
