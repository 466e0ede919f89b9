package stt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// whisperFlavor selects between the compatible transcription endpoints.
type whisperFlavor int

const (
	whisperOpenAI whisperFlavor = iota
	whisperGroq
)

const (
	openaiAudioBaseURL = "https://api.openai.com/v1"
	groqAudioBaseURL   = "https://api.groq.com/openai/v1"

	// whisperMinBytes is 0.1 s of 16 kHz PCM; anything shorter is a click or
	// a breath, and the endpoint rejects sub-0.1 s files anyway.
	whisperMinBytes = 3200
)

// whisper is a batch provider for the OpenAI transcription endpoint and
// Groq's compatible one.
type whisper struct {
	batcher
	client *resty.Client
	flavor whisperFlavor
	model  string
}

func newWhisper(cfg Config, h Handlers, log *zap.SugaredLogger, flavor whisperFlavor) *whisper {
	name := "openai-stt"
	base := openaiAudioBaseURL
	model := cfg.Model
	if flavor == whisperGroq {
		name = "groq-stt"
		base = groqAudioBaseURL
		if model == "" {
			model = "whisper-large-v3-turbo"
		}
	} else if model == "" {
		model = "whisper-1"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}

	client := resty.New().
		SetBaseURL(base).
		SetAuthToken(cfg.APIKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	w := &whisper{client: client, flavor: flavor, model: model}
	w.batcher = batcher{
		cfg:        cfg,
		h:          h,
		log:        log.Named(name),
		minBytes:   whisperMinBytes,
		transcribe: w.post,
	}
	return w
}

type whisperResponse struct {
	Text string `json:"text"`
}

func (w *whisper) post(ctx context.Context, wav []byte) (string, error) {
	var out whisperResponse
	req := w.client.R().
		SetContext(ctx).
		SetFileReader("file", "audio.wav", bytes.NewReader(wav)).
		SetFormData(map[string]string{
			"model":           w.model,
			"response_format": "json",
		}).
		SetResult(&out)
	if w.cfg.Language != "" {
		req.SetFormData(map[string]string{"language": NormalizeLanguage(w.cfg.Language)})
	}

	resp, err := req.Post("/audio/transcriptions")
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("transcription request: %s: %s", resp.Status(), resp.String())
	}
	return out.Text, nil
}
