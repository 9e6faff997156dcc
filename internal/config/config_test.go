package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"API_BASE_URL", "FIREBASE_PROJECT_ID", "FIREBASE_CREDENTIALS_PATH",
		"GOOGLE_APPLICATION_CREDENTIALS", "LOG_LEVEL", "CALLGUARD_ICE_STUN",
		"CALLGUARD_SIGNALING_DRIVER", "CALLGUARD_BACKEND_URL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, DriverFirestore, cfg.Signaling.Driver)
	assert.Equal(t, DefaultBackendURL, cfg.Backend.URL)
	assert.Equal(t, DefaultSTUNServers, cfg.STUNServers)
	assert.Equal(t, 15*time.Minute, cfg.Session.StaleAfter)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.RearmDelay)
	assert.Equal(t, 25*time.Second, cfg.Recording.SegmentLength)
	assert.Equal(t, DefaultAgentUsername, cfg.Session.AgentUsername)
}

func TestLoadPriority(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_BASE_URL", "http://env.example:5000/")
	t.Setenv("CALLGUARD_SIGNALING_DRIVER", "relay")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:5000", cfg.Backend.URL)
	assert.Equal(t, DriverRelay, cfg.Signaling.Driver)

	cfg, err = Load(Options{BackendURL: "http://flag.example", Driver: "firestore"})
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example", cfg.Backend.URL)
	assert.Equal(t, DriverFirestore, cfg.Signaling.Driver)
}

func TestLoadCommaSeparatedSTUN(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLGUARD_ICE_STUN", "stun:a.example:3478, stun:b.example:3478")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.GetSTUNServers())
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "callguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signaling:
  driver: relay
  relay_url: ws://relay.internal/ws
session:
  rearm_delay: 3s
audio:
  source: silence
`), 0o600))

	cfg, err := Load(Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.internal/ws", cfg.Signaling.RelayURL)
	assert.Equal(t, 3*time.Second, cfg.Session.RearmDelay)
	assert.Equal(t, AudioSilence, cfg.Audio.Source)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	_, err := Load(Options{Driver: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown signaling driver")

	_, err = Load(Options{AudioSource: AudioFile})
	assert.ErrorContains(t, err, "audio.file is required")

	_, err = Load(Options{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
