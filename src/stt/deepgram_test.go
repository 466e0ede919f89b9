package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDeepgram accepts the streaming socket and records what arrives.
type fakeDeepgram struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	binary chan []byte
	text   chan map[string]string
	auth   chan string
	query  chan string
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	f := &fakeDeepgram{
		conns:  make(chan *websocket.Conn, 2),
		binary: make(chan []byte, 16),
		text:   make(chan map[string]string, 16),
		auth:   make(chan string, 2),
		query:  make(chan string, 2),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		f.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				f.binary <- msg
			} else {
				var m map[string]string
				if json.Unmarshal(msg, &m) == nil {
					f.text <- m
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeepgram) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func TestDeepgramConnectSendsAuthAndParams(t *testing.T) {
	f := newFakeDeepgram(t)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "dg-key", Language: "en", BaseURL: f.wsURL()},
		Handlers{}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	assert.Equal(t, "Token dg-key", <-f.auth)
	query := <-f.query
	assert.Contains(t, query, "encoding=linear16")
	assert.Contains(t, query, "sample_rate=16000")
	assert.Contains(t, query, "channels=1")
	assert.Contains(t, query, "interim_results=true")
	assert.Contains(t, query, "vad_events=true")
	assert.Contains(t, query, "language=en")
}

func TestDeepgramForwardsAudio(t *testing.T) {
	f := newFakeDeepgram(t)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()},
		Handlers{}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	chunk := make([]byte, 640)
	require.NoError(t, d.Send(chunk))

	select {
	case got := <-f.binary:
		assert.Len(t, got, 640)
	case <-time.After(2 * time.Second):
		t.Fatal("audio not forwarded")
	}
}

func TestDeepgramEmitsTranscripts(t *testing.T) {
	f := newFakeDeepgram(t)
	results := make(chan Result, 4)
	started := make(chan struct{}, 4)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()}, Handlers{
		OnTranscript:    func(r Result) { results <- r },
		OnSpeechStarted: func() { started <- struct{}{} },
	}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	conn := <-f.conns
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SpeechStarted"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "Results", "is_final": true,
		"channel": map[string]any{"alternatives": []map[string]any{
			{"transcript": "hello", "confidence": 0.95},
		}},
	}))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("speech start not surfaced")
	}
	select {
	case r := <-results:
		assert.Equal(t, "hello", r.Text)
		assert.True(t, r.IsFinal)
		assert.InDelta(t, 0.95, r.Confidence, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not surfaced")
	}
}

func TestDeepgramIgnoresEmptyTranscripts(t *testing.T) {
	f := newFakeDeepgram(t)
	results := make(chan Result, 4)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()}, Handlers{
		OnTranscript: func(r Result) { results <- r },
	}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	conn := <-f.conns
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "Results", "is_final": true,
		"channel": map[string]any{"alternatives": []map[string]any{
			{"transcript": "", "confidence": 0},
		}},
	}))

	select {
	case <-results:
		t.Fatal("empty transcript should be dropped")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeepgramClearBufferSendsFinalize(t *testing.T) {
	f := newFakeDeepgram(t)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()},
		Handlers{}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	d.ClearBuffer()

	select {
	case msg := <-f.text:
		assert.Equal(t, "Finalize", msg["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("finalize control not sent")
	}
}

func TestDeepgramFinalizeClosesStream(t *testing.T) {
	f := newFakeDeepgram(t)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()},
		Handlers{}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	require.NoError(t, d.Finalize())

	select {
	case msg := <-f.text:
		assert.Equal(t, "CloseStream", msg["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("close control not sent")
	}
}

func TestDeepgramConnectIdempotent(t *testing.T) {
	f := newFakeDeepgram(t)
	connects := make(chan struct{}, 4)

	d := newDeepgram(Config{Provider: "deepgram", APIKey: "k", BaseURL: f.wsURL()}, Handlers{
		OnConnected: func() { connects <- struct{}{} },
	}, zap.NewNop().Sugar())
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	<-connects
	select {
	case <-connects:
		t.Fatal("second Connect dialed again")
	case <-time.After(200 * time.Millisecond):
	}
}
