package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// trailingSilenceMS pads each utterance so the carrier's jitter buffer never
// clips the final syllable.
const trailingSilenceMS = 200

type elevenLabs struct {
	client *resty.Client
	voice  string
	model  string
	log    *zap.SugaredLogger
}

func newElevenLabs(cfg Config, log *zap.SugaredLogger) *elevenLabs {
	base := elevenLabsBaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "21m00Tcm4TlvDq8ikWAM"
	}
	model := cfg.Model
	if model == "" {
		model = "eleven_turbo_v2_5"
	}
	return &elevenLabs{
		client: resty.New().
			SetBaseURL(base).
			SetHeader("xi-api-key", cfg.APIKey).
			SetTimeout(30 * time.Second),
		voice: voice,
		model: model,
		log:   log.Named("elevenlabs-tts"),
	}
}

func (e *elevenLabs) Name() string    { return "elevenlabs" }
func (e *elevenLabs) SampleRate() int { return audio.TTSRate }

func (e *elevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := e.client.R().
		SetContext(ctx).
		SetQueryParam("output_format", "pcm_24000").
		SetBody(map[string]any{
			"text":     text,
			"model_id": e.model,
			"voice_settings": map[string]float64{
				"stability":        0.5,
				"similarity_boost": 0.75,
			},
		}).
		Post("/v1/text-to-speech/" + e.voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs speech request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("elevenlabs speech request: %s: %s", resp.Status(), resp.String())
	}

	pcm := resp.Body()
	pad := make([]byte, audio.TTSRate*trailingSilenceMS/1000*2)
	return append(pcm, pad...), nil
}
