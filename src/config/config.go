// Package config loads bridge configuration from a file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full bridge configuration.
type Config struct {
	Carrier CarrierConfig `mapstructure:"carrier"`
	STT     STTConfig     `mapstructure:"stt"`
	TTS     TTSConfig     `mapstructure:"tts"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Server  ServerConfig  `mapstructure:"server"`
}

// CarrierConfig holds Twilio credentials and webhook addressing.
type CarrierConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	PhoneNumber string `mapstructure:"phone_number"`
	// WebhookBaseURL is the public https URL Twilio calls back on. The media
	// stream URL is derived from it by swapping http for ws. Empty means
	// development mode: unsigned webhooks are accepted.
	WebhookBaseURL string `mapstructure:"webhook_base_url"`
	// DefaultCountry is the country calling code assumed for national-format
	// numbers (10 or 11 digits), without the plus.
	DefaultCountry string `mapstructure:"default_country"`
}

// STTConfig selects and configures the speech-to-text provider.
type STTConfig struct {
	Provider string `mapstructure:"provider"` // deepgram, openai, groq, elevenlabs
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
	Model    string `mapstructure:"model"`
	// SilenceTimeout is the idle gap after which batch providers flush their
	// buffer for transcription.
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	// BargeIn lets streaming providers cut off bridge playback when the
	// caller starts speaking.
	BargeIn bool `mapstructure:"barge_in"`
}

// TTSConfig selects and configures the text-to-speech provider.
type TTSConfig struct {
	Provider string `mapstructure:"provider"` // openai, deepgram, elevenlabs
	APIKey   string `mapstructure:"api_key"`
	Voice    string `mapstructure:"voice"`
	Model    string `mapstructure:"model"`
}

// AgentConfig points at the conversational agent host.
type AgentConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional) with CALLBRIDGE_*
// environment overrides, e.g. CALLBRIDGE_CARRIER_AUTH_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CALLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("carrier.default_country", "1")
	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("stt.language", "en")
	v.SetDefault("stt.silence_timeout", 1500*time.Millisecond)
	v.SetDefault("tts.provider", "openai")
	v.SetDefault("agent.timeout", 15*time.Second)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	sttProviders = map[string]bool{"deepgram": true, "openai": true, "groq": true, "elevenlabs": true}
	ttsProviders = map[string]bool{"openai": true, "deepgram": true, "elevenlabs": true}
)

// Validate checks provider enums and required carrier fields.
func (c *Config) Validate() error {
	if !sttProviders[c.STT.Provider] {
		return fmt.Errorf("unknown stt provider %q", c.STT.Provider)
	}
	if !ttsProviders[c.TTS.Provider] {
		return fmt.Errorf("unknown tts provider %q", c.TTS.Provider)
	}
	if c.Carrier.AccountSID == "" || c.Carrier.AuthToken == "" {
		return fmt.Errorf("carrier account_sid and auth_token are required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// StreamURL derives the media-stream WebSocket URL from the webhook base URL.
func (c *CarrierConfig) StreamURL() string {
	base := c.WebhookBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/voice/stream"
}

// WebhookURL joins the base URL with a callback path.
func (c *CarrierConfig) WebhookURL(path string) string {
	return strings.TrimRight(c.WebhookBaseURL, "/") + path
}
