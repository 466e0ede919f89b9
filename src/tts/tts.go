// Package tts abstracts text-to-speech behind one provider contract. Every
// provider returns 16-bit little-endian mono PCM at 24 kHz; the telephony
// helpers downsample and frame it for the carrier.
package tts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

// Provider synthesizes speech.
type Provider interface {
	// Name identifies the provider in logs and the health endpoint.
	Name() string
	// SampleRate is the PCM rate Synthesize returns.
	SampleRate() int
	// Synthesize turns text into 16-bit LE mono PCM at SampleRate.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config selects and tunes a provider.
type Config struct {
	Provider string // openai, deepgram, elevenlabs
	APIKey   string
	Voice    string
	Model    string
	// BaseURL overrides the provider endpoint, for tests.
	BaseURL string
}

// New builds the configured provider. Providers are stateless and safe for
// concurrent use across calls.
func New(cfg Config, log *zap.SugaredLogger) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAI(cfg, log), nil
	case "deepgram":
		return newDeepgram(cfg, log), nil
	case "elevenlabs":
		return newElevenLabs(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown tts provider: %s", cfg.Provider)
	}
}

// SynthesizeTelephony renders text and returns it as carrier-ready mu-law
// frames.
func SynthesizeTelephony(ctx context.Context, p Provider, text string) ([][]byte, error) {
	pcm, err := p.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return audio.ToTelephonyFrames(pcm, p.SampleRate()), nil
}
