package stt

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

// Batch providers accumulate caller audio and post the whole utterance once
// the caller pauses. Latency is bounded by the silence timeout plus one HTTP
// round trip, so they suit short command-style exchanges; streaming deepgram
// is the default for fluid conversation.
const (
	// maxBufferBytes caps an utterance at ~5 s of 16 kHz PCM before a forced
	// flush, keeping request bodies small and turnaround predictable.
	maxBufferBytes = 160000

	// energyThreshold is the RMS floor below which a buffer is treated as
	// line noise and dropped without an API call.
	energyThreshold = 500.0
)

// transcribeFunc posts one WAV-wrapped utterance and returns its transcript.
type transcribeFunc func(ctx context.Context, wav []byte) (string, error)

// batcher implements the buffering half of every batch provider. The
// provider supplies transcribe and the minimum utterance length it accepts.
type batcher struct {
	cfg        Config
	h          Handlers
	log        *zap.SugaredLogger
	transcribe transcribeFunc
	// minBytes drops utterances too short for the backend to transcribe
	// reliably.
	minBytes int

	mu        sync.Mutex
	buf       []byte
	idle      *time.Timer
	connected bool
}

func (b *batcher) SupportsBargeIn() bool { return false }

func (b *batcher) Connect(ctx context.Context) error {
	b.mu.Lock()
	already := b.connected
	b.connected = true
	b.mu.Unlock()
	if !already && b.h.OnConnected != nil {
		b.h.OnConnected()
	}
	return nil
}

// Send buffers audio and (re)arms the idle timer. A pause of SilenceTimeout
// with no new audio flushes the utterance.
func (b *batcher) Send(pcm []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.buf = append(b.buf, pcm...)
	full := len(b.buf) >= maxBufferBytes
	if b.idle != nil {
		b.idle.Stop()
	}
	if !full {
		b.idle = time.AfterFunc(b.cfg.SilenceTimeout, b.flush)
	}
	b.mu.Unlock()

	if full {
		b.flush()
	}
	return nil
}

// ClearBuffer drops everything buffered so far. Audio captured while the
// bridge was speaking must never reach the backend.
func (b *batcher) ClearBuffer() {
	b.mu.Lock()
	b.buf = nil
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	b.mu.Unlock()
}

// Finalize flushes whatever is buffered and marks the session done.
func (b *batcher) Finalize() error {
	b.flush()
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.mu.Unlock()
	if was && b.h.OnDisconnected != nil {
		b.h.OnDisconnected()
	}
	return nil
}

func (b *batcher) Disconnect() error {
	b.ClearBuffer()
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.mu.Unlock()
	if was && b.h.OnDisconnected != nil {
		b.h.OnDisconnected()
	}
	return nil
}

// flush takes the current buffer and, when it plausibly holds speech, posts
// it for transcription. Runs on the idle timer goroutine or inline from Send.
func (b *batcher) flush() {
	b.mu.Lock()
	pcm := b.buf
	b.buf = nil
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	b.mu.Unlock()

	if len(pcm) < b.minBytes {
		return
	}
	if !audio.SpeechEnergy(pcm, energyThreshold) {
		b.log.Debugw("dropping low-energy buffer", "bytes", len(pcm))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, err := b.transcribe(ctx, audio.WAV(pcm, audio.STTRate))
	if err != nil {
		b.log.Warnw("transcription failed", "err", err)
		if b.h.OnError != nil {
			b.h.OnError(err)
		}
		return
	}
	if text == "" {
		return
	}
	if b.h.OnTranscript != nil {
		b.h.OnTranscript(Result{Text: text, Confidence: 1.0, IsFinal: true})
	}
}
