package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clipshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSignalingURL, cfg.SignalingURL)
	assert.Equal(t, 32*1024, cfg.Transfer.ChunkSize)
	assert.Equal(t, 100, cfg.Transfer.AckEvery)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
signaling_url: ws://relay.example:37851/ws
ice:
  stun: stun.example:3478
  turn: turn.example:3478
  username: demo
  credential: secret
download_dir: /tmp/in
log:
  level: debug
transfer:
  chunk_size: 16384
  ack_every: 10
  idle_timeout: 5s
  connect_timeout: 2m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.example:37851/ws", cfg.SignalingURL)
	assert.Equal(t, "/tmp/in", cfg.DownloadDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 16384, cfg.Transfer.ChunkSize)
	assert.Equal(t, 10, cfg.Transfer.AckEvery)
	assert.Equal(t, 5*time.Second, cfg.Transfer.IdleTimeout)

	// 未出现的字段保留默认值
	assert.Equal(t, Default().Transfer.TextThreshold, cfg.Transfer.TextThreshold)

	so := cfg.SessionOptions()
	assert.Equal(t, 16384, so.ChunkSize)
	assert.Equal(t, 5*time.Second, so.IdleTimeout)

	no := cfg.NegotiatorOptions()
	assert.Equal(t, 2*time.Minute, no.ConnectTimeout)
	assert.Equal(t, 10, no.Session.AckEvery)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"chunk too large":    "transfer:\n  chunk_size: 65536\n",
		"zero ack":           "transfer:\n  ack_every: 0\n",
		"low above max":      "transfer:\n  max_buffered: 1024\n  low_water: 2048\n",
		"unknown log format": "log:\n  format: xml\n",
		"empty signaling":    "signaling_url: \"\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(writeConfig(t, "transfer: [unterminated"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestICEServers(t *testing.T) {
	cfg := Default()
	servers := cfg.ICEServers()
	require.Len(t, servers, 1)
	assert.Equal(t, []string{DefaultSTUN}, servers[0].URLs)

	cfg.ICE = ICEConfig{STUN: "stun.example:3478", TURN: "turn.example:3478", Username: "u", Credential: "p"}
	servers = cfg.ICEServers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example:3478"}, servers[0].URLs)
	assert.Equal(t, []string{
		"turn:turn.example:3478?transport=udp",
		"turn:turn.example:3478?transport=tcp",
	}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)

	cfg.ICE.TURN = "turn:turn.example:3478?transport=tcp"
	servers = cfg.ICEServers()
	assert.Equal(t, []string{"turn:turn.example:3478?transport=tcp"}, servers[1].URLs)
}
