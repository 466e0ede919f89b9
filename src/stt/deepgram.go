package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const deepgramBaseURL = "wss://api.deepgram.com/v1/listen"

// Reconnect policy for non-clean closes.
const (
	maxReconnects    = 3
	reconnectBackoff = time.Second // linear: attempt * backoff
	keepaliveEvery   = 5 * time.Second
)

// deepgram streams audio over a WebSocket and receives interim and final
// hypotheses plus VAD events, which drive barge-in.
type deepgram struct {
	cfg Config
	h   Handlers
	log *zap.SugaredLogger

	// writeMu serializes all socket writes (audio, controls, keepalive).
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	// pending holds audio submitted while reconnecting; flushed in order.
	pending [][]byte

	ctx    context.Context
	cancel context.CancelFunc
}

func newDeepgram(cfg Config, h Handlers, log *zap.SugaredLogger) *deepgram {
	return &deepgram{cfg: cfg, h: h, log: log.Named("deepgram-stt")}
}

func (d *deepgram) SupportsBargeIn() bool { return true }

func (d *deepgram) endpoint() string {
	base := d.cfg.BaseURL
	if base == "" {
		base = deepgramBaseURL
	}
	model := d.cfg.Model
	if model == "" {
		model = "nova-2"
	}
	params := url.Values{}
	params.Set("model", model)
	if d.cfg.Language != "" {
		params.Set("language", d.cfg.Language)
	}
	params.Set("encoding", "linear16")
	params.Set("sample_rate", "16000")
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("vad_events", "true")
	params.Set("smart_format", "true")
	return base + "?" + params.Encode()
}

// Connect implements Provider. Safe to call again after a connection exists.
func (d *deepgram) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.closing = false
	d.mu.Unlock()

	if err := d.dial(ctx); err != nil {
		if d.h.OnError != nil {
			d.h.OnError(err)
		}
		return err
	}
	if d.h.OnConnected != nil {
		d.h.OnConnected()
	}
	return nil
}

func (d *deepgram) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.endpoint(), header)
	if err != nil {
		return fmt.Errorf("deepgram dial: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	pending := d.pending
	d.pending = nil
	runCtx, cancel := context.WithCancel(context.Background())
	d.ctx, d.cancel = runCtx, cancel
	d.mu.Unlock()

	// Replay audio buffered while the link was down, in order.
	for _, chunk := range pending {
		if err := d.writeBinary(chunk); err != nil {
			d.log.Warnw("replay after reconnect failed", "err", err)
			break
		}
	}

	go d.readLoop(conn, runCtx)
	go d.keepalive(conn, runCtx)
	d.log.Infow("connected")
	return nil
}

// Send implements Provider. During a reconnect window the chunk is buffered
// in memory and replayed once the link is back.
func (d *deepgram) Send(pcm []byte) error {
	d.mu.Lock()
	if !d.connected {
		if !d.closing {
			d.pending = append(d.pending, pcm)
		}
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.writeBinary(pcm)
}

func (d *deepgram) writeBinary(data []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (d *deepgram) writeControl(v any) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// ClearBuffer implements Provider. Tells the service to finalize the current
// utterance so stale fragments never leak into the next turn, and drops any
// reconnect backlog.
func (d *deepgram) ClearBuffer() {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	_ = d.writeControl(map[string]string{"type": "Finalize"})
}

// Finalize implements Provider: flush and close cleanly.
func (d *deepgram) Finalize() error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	return d.writeControl(map[string]string{"type": "CloseStream"})
}

// Disconnect implements Provider.
func (d *deepgram) Disconnect() error {
	d.mu.Lock()
	d.closing = true
	d.connected = false
	d.pending = nil
	conn := d.conn
	d.conn = nil
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *deepgram) readLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				d.finish(nil)
				return
			}
			d.log.Warnw("read error", "err", err)
			d.reconnect()
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			d.log.Warnw("bad response", "err", err)
			continue
		}

		switch resp.Type {
		case "SpeechStarted":
			if d.h.OnSpeechStarted != nil {
				d.h.OnSpeechStarted()
			}
		case "Results":
			if len(resp.Channel.Alternatives) == 0 {
				continue
			}
			alt := resp.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			if d.h.OnTranscript != nil {
				d.h.OnTranscript(Result{
					Text:       alt.Transcript,
					Confidence: alt.Confidence,
					IsFinal:    resp.IsFinal,
				})
			}
		}
	}
}

// reconnect retries the link with linear backoff. Gives up after
// maxReconnects and surfaces the last error.
func (d *deepgram) reconnect() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.finish(nil)
		return
	}
	d.connected = false
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		time.Sleep(time.Duration(attempt) * reconnectBackoff)

		d.mu.Lock()
		closing := d.closing
		d.mu.Unlock()
		if closing {
			d.finish(nil)
			return
		}

		if lastErr = d.dial(context.Background()); lastErr == nil {
			d.log.Infow("reconnected", "attempt", attempt)
			return
		}
		d.log.Warnw("reconnect failed", "attempt", attempt, "err", lastErr)
	}
	d.finish(fmt.Errorf("deepgram reconnect exhausted: %w", lastErr))
}

func (d *deepgram) finish(err error) {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()

	if err != nil && d.h.OnError != nil {
		d.h.OnError(err)
	}
	if d.h.OnDisconnected != nil {
		d.h.OnDisconnected()
	}
}

func (d *deepgram) keepalive(conn *websocket.Conn, ctx context.Context) {
	// Deepgram drops idle sockets after ~10 s without audio or a message.
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			d.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
