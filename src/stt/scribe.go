package stt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"

	// scribeMinBytes is 0.5 s of 16 kHz PCM. The endpoint hallucinates on
	// very short clips, so the floor is higher than whisper's.
	scribeMinBytes = 16000
)

// scribe is a batch provider for the ElevenLabs speech-to-text endpoint.
type scribe struct {
	batcher
	client *resty.Client
	model  string
}

func newScribe(cfg Config, h Handlers, log *zap.SugaredLogger) *scribe {
	base := elevenLabsBaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "scribe_v1"
	}

	client := resty.New().
		SetBaseURL(base).
		SetHeader("xi-api-key", cfg.APIKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	s := &scribe{client: client, model: model}
	s.batcher = batcher{
		cfg:        cfg,
		h:          h,
		log:        log.Named("elevenlabs-stt"),
		minBytes:   scribeMinBytes,
		transcribe: s.post,
	}
	return s
}

type scribeResponse struct {
	Text string `json:"text"`
}

func (s *scribe) post(ctx context.Context, wav []byte) (string, error) {
	var out scribeResponse
	req := s.client.R().
		SetContext(ctx).
		SetFileReader("audio", "audio.wav", bytes.NewReader(wav)).
		SetFormData(map[string]string{"model_id": s.model}).
		SetResult(&out)
	if s.cfg.Language != "" {
		req.SetFormData(map[string]string{"language_code": NormalizeLanguage(s.cfg.Language)})
	}

	resp, err := req.Post("/v1/speech-to-text")
	if err != nil {
		return "", fmt.Errorf("speech-to-text request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("speech-to-text request: %s: %s", resp.Status(), resp.String())
	}
	return out.Text, nil
}
