package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

func TestNewSelectsProvider(t *testing.T) {
	log := zap.NewNop().Sugar()
	for _, name := range []string{"openai", "deepgram", "elevenlabs"} {
		p, err := New(Config{Provider: name, APIKey: "k"}, log)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
		assert.Equal(t, audio.TTSRate, p.SampleRate())
	}

	_, err := New(Config{Provider: "festival"}, log)
	assert.Error(t, err)
}

func TestOpenAISynthesize(t *testing.T) {
	pcm := make([]byte, 4800) // 100 ms at 24 kHz
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "pcm", req["response_format"])
		assert.Equal(t, "hello", req["input"])
		assert.Equal(t, "alloy", req["voice"])

		w.Write(pcm)
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL}, zap.NewNop().Sugar())
	out, err := p.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, out, 4800)
}

func TestOpenAISynthesizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "bad", BaseURL: srv.URL}, zap.NewNop().Sugar())
	_, err := p.Synthesize(context.Background(), "hello")
	assert.Error(t, err)
}

func TestDeepgramSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/speak", r.URL.Path)
		assert.Equal(t, "Token dg-test", r.Header.Get("Authorization"))
		assert.Equal(t, "linear16", r.URL.Query().Get("encoding"))
		assert.Equal(t, "24000", r.URL.Query().Get("sample_rate"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "hi", req["text"])

		w.Write(make([]byte, 960))
	}))
	defer srv.Close()

	p := newDeepgram(Config{APIKey: "dg-test", BaseURL: srv.URL}, zap.NewNop().Sugar())
	out, err := p.Synthesize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, out, 960)
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "el-test", r.Header.Get("xi-api-key"))
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "hey", req["text"])

		w.Write(make([]byte, 2400))
	}))
	defer srv.Close()

	p := newElevenLabs(Config{APIKey: "el-test", Voice: "voice-1", BaseURL: srv.URL}, zap.NewNop().Sugar())
	out, err := p.Synthesize(context.Background(), "hey")
	require.NoError(t, err)
	// Padded with 200 ms of trailing silence: 24000 * 0.2 * 2 bytes.
	assert.Len(t, out, 2400+9600)
}

func TestSynthesizeTelephonyFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 60 ms at 24 kHz.
		w.Write(make([]byte, 2880))
	}))
	defer srv.Close()

	p := newOpenAI(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop().Sugar())
	frames, err := SynthesizeTelephony(context.Background(), p, "hello")
	require.NoError(t, err)
	// 60 ms at 8 kHz is 480 mu-law bytes: three exact frames.
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Len(t, f, audio.FrameBytes)
	}
}
