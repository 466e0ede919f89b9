// Package stt abstracts streaming and batch speech-to-text behind one
// provider contract. Streaming providers (deepgram) forward audio as it
// arrives; batch providers (openai, groq, elevenlabs) accumulate audio and
// post it once the caller pauses.
package stt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is one transcription hypothesis.
type Result struct {
	Text       string
	Confidence float64 // in [0,1]
	IsFinal    bool
}

// Handlers receive provider events. Callbacks may fire from provider-owned
// goroutines; the call manager serializes per call.
type Handlers struct {
	// OnConnected fires once the backing session is established.
	OnConnected func()
	// OnTranscript receives every interim and final hypothesis.
	OnTranscript func(Result)
	// OnSpeechStarted fires when a streaming provider's VAD detects the
	// caller talking. Batch providers never fire it.
	OnSpeechStarted func()
	// OnDisconnected fires when the session ends.
	OnDisconnected func()
	// OnError surfaces provider failures. The call continues without
	// transcription.
	OnError func(error)
}

// Provider is the uniform speech-to-text contract.
//
// Send expects 16 kHz, 16-bit little-endian mono PCM.
type Provider interface {
	// Connect establishes the backing session. Idempotent.
	Connect(ctx context.Context) error
	// Send submits a chunk of caller audio.
	Send(pcm []byte) error
	// ClearBuffer drops any audio the provider is holding. Called when the
	// bridge takes the floor so stale caller audio never transcribes.
	ClearBuffer()
	// Finalize flushes buffered audio and closes the session cleanly,
	// emitting a final transcript if one is produced.
	Finalize() error
	// Disconnect tears down unconditionally; pending buffers are discarded.
	Disconnect() error
	// SupportsBargeIn reports whether OnSpeechStarted can fire.
	SupportsBargeIn() bool
}

// Config selects and tunes a provider.
type Config struct {
	Provider string // deepgram, openai, groq, elevenlabs
	APIKey   string
	Language string
	Model    string
	// SilenceTimeout is the idle gap after which batch providers flush.
	// Defaults to 1.5 s.
	SilenceTimeout time.Duration
	// BaseURL overrides the provider endpoint, for tests.
	BaseURL string
}

// DefaultSilenceTimeout is the batch flush gap.
const DefaultSilenceTimeout = 1500 * time.Millisecond

// New builds the configured provider. STT sessions are stateful: the manager
// creates one per call.
func New(cfg Config, h Handlers, log *zap.SugaredLogger) (Provider, error) {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	switch cfg.Provider {
	case "deepgram":
		return newDeepgram(cfg, h, log), nil
	case "openai":
		return newWhisper(cfg, h, log, whisperOpenAI), nil
	case "groq":
		return newWhisper(cfg, h, log, whisperGroq), nil
	case "elevenlabs":
		return newScribe(cfg, h, log), nil
	default:
		return nil, fmt.Errorf("unknown stt provider: %s", cfg.Provider)
	}
}

// NormalizeLanguage reduces a language tag to ISO 639-1 two-letter form for
// providers that require it ("en-US" -> "en").
func NormalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}
