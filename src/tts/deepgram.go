package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

const deepgramBaseURL = "https://api.deepgram.com"

type deepgram struct {
	client *resty.Client
	model  string
	log    *zap.SugaredLogger
}

func newDeepgram(cfg Config, log *zap.SugaredLogger) *deepgram {
	base := deepgramBaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	// Deepgram folds the voice into the model name (aura-<voice>-en), so
	// Voice wins when both are set.
	model := cfg.Model
	if cfg.Voice != "" {
		model = cfg.Voice
	}
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &deepgram{
		client: resty.New().
			SetBaseURL(base).
			SetHeader("Authorization", "Token "+cfg.APIKey).
			SetTimeout(30 * time.Second),
		model: model,
		log:   log.Named("deepgram-tts"),
	}
}

func (d *deepgram) Name() string    { return "deepgram" }
func (d *deepgram) SampleRate() int { return audio.TTSRate }

func (d *deepgram) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"model":       d.model,
			"encoding":    "linear16",
			"sample_rate": "24000",
			"container":   "none",
		}).
		SetBody(map[string]string{"text": text}).
		Post("/v1/speak")
	if err != nil {
		return nil, fmt.Errorf("deepgram speak request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("deepgram speak request: %s: %s", resp.Status(), resp.String())
	}
	return resp.Body(), nil
}
