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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
carrier:
  account_sid: AC0
  auth_token: tok
  phone_number: "+15550000"
stt:
  api_key: sk
tts:
  api_key: tk
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "deepgram", cfg.STT.Provider)
	assert.Equal(t, "openai", cfg.TTS.Provider)
	assert.Equal(t, "en", cfg.STT.Language)
	assert.Equal(t, 1500*time.Millisecond, cfg.STT.SilenceTimeout)
	assert.Equal(t, "1", cfg.Carrier.DefaultCountry)
	assert.Equal(t, 15*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestLoadRejectsUnknownProviders(t *testing.T) {
	path := writeConfig(t, `
carrier:
  account_sid: AC0
  auth_token: tok
stt:
  provider: sphinx
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stt provider")
}

func TestLoadRequiresCarrierCredentials(t *testing.T) {
	path := writeConfig(t, `
stt:
  provider: deepgram
tts:
  provider: openai
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_sid")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestStreamURLDerivation(t *testing.T) {
	c := CarrierConfig{WebhookBaseURL: "https://bridge.example.com"}
	assert.Equal(t, "wss://bridge.example.com/voice/stream", c.StreamURL())

	c.WebhookBaseURL = "http://localhost:8080"
	assert.Equal(t, "ws://localhost:8080/voice/stream", c.StreamURL())
}

func TestWebhookURL(t *testing.T) {
	c := CarrierConfig{WebhookBaseURL: "https://bridge.example.com/"}
	assert.Equal(t, "https://bridge.example.com/voice/status", c.WebhookURL("/voice/status"))
}

func TestValidatePortRange(t *testing.T) {
	cfg := &Config{
		Carrier: CarrierConfig{AccountSID: "AC0", AuthToken: "tok"},
		STT:     STTConfig{Provider: "deepgram"},
		TTS:     TTSConfig{Provider: "openai"},
		Server:  ServerConfig{Port: 70000},
	}
	assert.Error(t, cfg.Validate())
	cfg.Server.Port = 8080
	assert.NoError(t, cfg.Validate())
}
