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
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	p := writeConfig(t, `
port: 9000
voice_token_secret: from-file
announced_address: 203.0.113.7
worker_count: 3
ping_period: 20s
ice_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: c
ice_transport_policy: relay
`)
	t.Setenv("VOICE_VOICE_TOKEN_SECRET", "from-env")
	t.Setenv("VOICE_SEND_BUFFER", "16")

	cfg, err := Load([]string{"--config", p, "--port", "9100"})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-env", cfg.VoiceTokenSecret)
	assert.Equal(t, 16, cfg.SendBuffer)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 20*time.Second, cfg.PingPeriod)
	assert.Equal(t, "relay", cfg.ICETransportPolicy)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "c", cfg.ICEServers[0].Credential)

	// untouched defaults
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, 40000, cfg.RTCMinPort)
	assert.Equal(t, 49999, cfg.RTCMaxPort)
	assert.Equal(t, int64(65536), cfg.ReadLimit)
	assert.Equal(t, "drop", cfg.BackpressurePolicy)
	assert.Equal(t, 10, cfg.JoinRateLimit)
	assert.Equal(t, time.Minute, cfg.JoinRateInterval)
	assert.Equal(t, "release", cfg.Mode)
}

func TestLoadDebugSwitchesMode(t *testing.T) {
	p := writeConfig(t, "voice_token_secret: s\nlisten_ip: 127.0.0.1\n")
	cfg, err := Load([]string{"--config", p, "--debug"})
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.Mode)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	p := writeConfig(t, "listen_ip: 127.0.0.1\n")
	_, err := Load([]string{"--config", p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice_token_secret")
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func valid() Config {
	return Config{
		Port:             8080,
		WSPath:           "/ws",
		VoiceTokenSecret: "s",
		WorkerCount:      1,
		ListenIP:         "0.0.0.0",
		AnnouncedAddress: "198.51.100.1",
		RTCMinPort:       40000,
		RTCMaxPort:       40100,
		SendBuffer:       8,
	}
}

func TestValidate(t *testing.T) {
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"port":                 func(c *Config) { c.Port = 70000 },
		"ws_path":              func(c *Config) { c.WSPath = "ws" },
		"worker_count":         func(c *Config) { c.WorkerCount = 0 },
		"rtc port range":       func(c *Config) { c.RTCMinPort, c.RTCMaxPort = 50000, 40000 },
		"listen_ip":            func(c *Config) { c.ListenIP = "nope" },
		"announced_address":    func(c *Config) { c.AnnouncedAddress = "" },
		"ice_transport_policy": func(c *Config) { c.ICETransportPolicy = "none" },
		"backpressure_policy":  func(c *Config) { c.BackpressurePolicy = "block" },
		"send_buffer":          func(c *Config) { c.SendBuffer = 0 },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			c := valid()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}

	c := valid()
	c.ListenIP = "10.0.0.5"
	c.AnnouncedAddress = ""
	assert.NoError(t, c.Validate(), "a concrete listen ip announces itself")
}
