package stt

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loudPCM builds n bytes of 16 kHz PCM with enough amplitude to pass the
// energy gate.
func loudPCM(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(4000)))
	}
	return buf
}

type transcriptionServer struct {
	srv      *httptest.Server
	requests atomic.Int32
	// failures makes the first N requests return 429.
	failures atomic.Int32
}

func newTranscriptionServer(t *testing.T, fileField, text string) *transcriptionServer {
	ts := &transcriptionServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.failures.Load() > 0 {
			ts.failures.Add(-1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile(fileField)
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "audio.wav", header.Filename)

		ts.requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"` + text + `"}`))
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func collectTranscripts() (chan Result, Handlers) {
	results := make(chan Result, 4)
	return results, Handlers{OnTranscript: func(r Result) { results <- r }}
}

func TestWhisperFlushesOnSilence(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "hello there")
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "openai", APIKey: "k", Language: "en-US",
		SilenceTimeout: 50 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperOpenAI)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Send(loudPCM(8000)))

	select {
	case r := <-results:
		assert.Equal(t, "hello there", r.Text)
		assert.True(t, r.IsFinal)
		assert.Equal(t, 1.0, r.Confidence)
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript after silence gap")
	}
}

func TestWhisperDropsShortUtterance(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "x")
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "openai", APIKey: "k",
		SilenceTimeout: 30 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperOpenAI)

	require.NoError(t, w.Connect(context.Background()))
	// Below the 0.1 s floor.
	require.NoError(t, w.Send(loudPCM(1000)))

	select {
	case <-results:
		t.Fatal("short utterance should not transcribe")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int32(0), ts.requests.Load())
}

func TestWhisperDropsLowEnergy(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "x")
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "openai", APIKey: "k",
		SilenceTimeout: 30 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperOpenAI)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Send(make([]byte, 8000))) // silence

	select {
	case <-results:
		t.Fatal("silence should not transcribe")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int32(0), ts.requests.Load())
}

func TestWhisperClearBufferDropsAudio(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "x")
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "openai", APIKey: "k",
		SilenceTimeout: 50 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperOpenAI)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Send(loudPCM(8000)))
	w.ClearBuffer()

	select {
	case <-results:
		t.Fatal("cleared audio should not transcribe")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int32(0), ts.requests.Load())
}

func TestWhisperRetriesRateLimit(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "retried")
	ts.failures.Store(2)
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "groq", APIKey: "k",
		SilenceTimeout: 30 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperGroq)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Send(loudPCM(8000)))

	select {
	case r := <-results:
		assert.Equal(t, "retried", r.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("retries did not recover")
	}
}

func TestWhisperFinalizeFlushes(t *testing.T) {
	ts := newTranscriptionServer(t, "file", "final words")
	results, h := collectTranscripts()

	w := newWhisper(Config{
		Provider: "openai", APIKey: "k",
		SilenceTimeout: time.Hour, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar(), whisperOpenAI)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Send(loudPCM(8000)))
	require.NoError(t, w.Finalize())

	select {
	case r := <-results:
		assert.Equal(t, "final words", r.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("finalize did not flush")
	}
}

func TestScribeUsesAudioField(t *testing.T) {
	ts := newTranscriptionServer(t, "audio", "scribed")
	results, h := collectTranscripts()

	s := newScribe(Config{
		Provider: "elevenlabs", APIKey: "k", Language: "en",
		SilenceTimeout: 50 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar())

	require.NoError(t, s.Connect(context.Background()))
	// Above the 0.5 s floor.
	require.NoError(t, s.Send(loudPCM(20000)))

	select {
	case r := <-results:
		assert.Equal(t, "scribed", r.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript")
	}
}

func TestScribeMinimumHalfSecond(t *testing.T) {
	ts := newTranscriptionServer(t, "audio", "x")
	results, h := collectTranscripts()

	s := newScribe(Config{
		Provider: "elevenlabs", APIKey: "k",
		SilenceTimeout: 30 * time.Millisecond, BaseURL: ts.srv.URL,
	}, h, zap.NewNop().Sugar())

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Send(loudPCM(8000))) // 0.25 s, below scribe's floor

	select {
	case <-results:
		t.Fatal("sub-floor utterance should not transcribe")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int32(0), ts.requests.Load())
}
