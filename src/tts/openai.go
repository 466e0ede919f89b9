package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

const openaiBaseURL = "https://api.openai.com/v1"

type openAI struct {
	client *resty.Client
	voice  string
	model  string
	log    *zap.SugaredLogger
}

func newOpenAI(cfg Config, log *zap.SugaredLogger) *openAI {
	base := openaiBaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	model := cfg.Model
	if model == "" {
		model = "tts-1"
	}
	return &openAI{
		client: resty.New().
			SetBaseURL(base).
			SetAuthToken(cfg.APIKey).
			SetTimeout(30 * time.Second),
		voice: voice,
		model: model,
		log:   log.Named("openai-tts"),
	}
}

func (o *openAI) Name() string    { return "openai" }
func (o *openAI) SampleRate() int { return audio.TTSRate }

// Synthesize requests raw PCM. The response_format "pcm" stream is 24 kHz,
// 16-bit, mono, little-endian, no header.
func (o *openAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"model":           o.model,
			"input":           text,
			"voice":           o.voice,
			"response_format": "pcm",
		}).
		Post("/audio/speech")
	if err != nil {
		return nil, fmt.Errorf("openai speech request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("openai speech request: %s: %s", resp.Status(), resp.String())
	}
	return resp.Body(), nil
}
