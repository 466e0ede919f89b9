package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/audio"
)

// DefaultFlushFrames is how many 20 ms inbound frames accumulate before the
// buffer is converted and handed to speech-to-text (10 frames = 200 ms).
// Tunable per provider latency.
const DefaultFlushFrames = 10

// Handlers receive session events. All callbacks fire on the session's read
// goroutine; handlers that block stall inbound parsing for this call only.
type Handlers struct {
	// OnConnected fires when the start envelope identifies the call.
	OnConnected func(callSID, streamSID string)
	// OnAudio receives flushed inbound audio as 16-bit LE PCM at the
	// configured STT rate.
	OnAudio func(pcm []byte)
	// OnSpeakingFinished fires when the last outstanding mark is echoed back.
	OnSpeakingFinished func()
	// OnDTMF receives caller keypad digits.
	OnDTMF func(digit string)
	// OnDisconnected fires on stop or socket close, exactly once.
	OnDisconnected func()
}

// SessionConfig tunes one session.
type SessionConfig struct {
	// FlushFrames overrides DefaultFlushFrames when positive.
	FlushFrames int
	// STTRate is the PCM rate delivered to OnAudio. Defaults to audio.STTRate.
	STTRate int
}

// Session owns one media-stream WebSocket for the lifetime of a call.
//
// Inbound parsing is serialized by the socket's message order. Outbound
// writes are serialized by an internal mutex; cross-session operations are
// independent.
type Session struct {
	conn *websocket.Conn
	cfg  SessionConfig
	h    Handlers
	log  *zap.SugaredLogger

	writeMu sync.Mutex // guards all conn writes

	mu           sync.Mutex
	streamSID    string
	callSID      string
	started      bool
	closed       bool
	speaking     bool
	inbound      [][]byte
	markSeq      uint64
	pendingMarks map[string]chan struct{}

	disconnectOnce sync.Once
}

// NewSession wraps an accepted carrier WebSocket. The caller runs Run to
// drive inbound parsing.
func NewSession(conn *websocket.Conn, cfg SessionConfig, h Handlers, log *zap.SugaredLogger) *Session {
	if cfg.FlushFrames <= 0 {
		cfg.FlushFrames = DefaultFlushFrames
	}
	if cfg.STTRate <= 0 {
		cfg.STTRate = audio.STTRate
	}
	return &Session{
		conn:         conn,
		cfg:          cfg,
		h:            h,
		log:          log.Named("stream"),
		pendingMarks: make(map[string]chan struct{}),
	}
}

// StreamSID returns the stream id once started.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// CallSID returns the call id once started.
func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// IsSpeaking reports whether outbound playback is in flight.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Run reads envelopes until the stream stops or the socket closes. It always
// fires OnDisconnected before returning.
func (s *Session) Run() error {
	defer s.disconnect()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnw("socket closed abnormally", "callSid", s.CallSID(), "err", err)
				return err
			}
			return nil
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.log.Warnw("bad envelope", "err", err)
			continue
		}

		switch env.Event {
		case EventConnected:
			// Handshake only; identity arrives with start.

		case EventStart:
			if env.Start == nil {
				continue
			}
			s.mu.Lock()
			s.streamSID = env.Start.StreamSID
			s.callSID = env.Start.CallSID
			s.started = true
			s.mu.Unlock()
			s.log.Infow("stream started", "callSid", env.Start.CallSID, "streamSid", env.Start.StreamSID,
				"tracks", env.Start.Tracks, "format", env.Start.MediaFormat.Encoding)
			if s.h.OnConnected != nil {
				s.h.OnConnected(env.Start.CallSID, env.Start.StreamSID)
			}

		case EventMedia:
			if env.Media == nil {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				s.log.Warnw("bad media payload", "err", err)
				continue
			}
			s.bufferInbound(frame)

		case EventMark:
			if env.Mark != nil {
				s.resolveMark(env.Mark.Name)
			}

		case EventDTMF:
			if env.DTMF != nil && s.h.OnDTMF != nil {
				s.h.OnDTMF(env.DTMF.Digit)
			}

		case EventStop:
			s.log.Infow("stream stopped", "callSid", s.CallSID())
			s.flushInbound()
			return nil

		default:
			s.log.Debugw("ignoring envelope", "event", env.Event)
		}
	}
}

func (s *Session) bufferInbound(frame []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, frame)
	flush := len(s.inbound) >= s.cfg.FlushFrames
	s.mu.Unlock()

	if flush {
		s.flushInbound()
	}
}

func (s *Session) flushInbound() {
	s.mu.Lock()
	frames := s.inbound
	s.inbound = nil
	s.mu.Unlock()

	if len(frames) == 0 || s.h.OnAudio == nil {
		return
	}
	s.h.OnAudio(audio.FromTelephonyFrames(frames, s.cfg.STTRate))
}

// SendAudio enqueues one base64 mu-law media envelope. Warns and drops when
// the stream has not started yet.
func (s *Session) SendAudio(payload string) error {
	s.mu.Lock()
	started, sid := s.started, s.streamSID
	s.mu.Unlock()
	if !started {
		s.log.Warnw("dropping audio, stream not started")
		return nil
	}
	return s.writeJSON(Envelope{
		Event:     EventMedia,
		StreamSID: sid,
		Media:     &Media{Payload: payload},
	})
}

// SendAudioFrames sends every frame, then a uniquely named mark, and returns
// a channel that closes when the carrier echoes the mark back (playback
// complete) or the session ends. Playback completion is mark-driven, never
// timed.
func (s *Session) SendAudioFrames(frames [][]byte) (<-chan struct{}, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no audio frames")
	}
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream not started")
	}
	sid := s.streamSID
	s.speaking = true
	s.markSeq++
	name := fmt.Sprintf("playback-%d-%s", s.markSeq, uuid.NewString()[:8])
	done := make(chan struct{})
	s.pendingMarks[name] = done
	s.mu.Unlock()

	for _, frame := range frames {
		env := Envelope{
			Event:     EventMedia,
			StreamSID: sid,
			Media:     &Media{Payload: base64.StdEncoding.EncodeToString(frame)},
		}
		if err := s.writeJSON(env); err != nil {
			s.dropMark(name)
			return nil, fmt.Errorf("send media frame: %w", err)
		}
	}

	if err := s.writeJSON(Envelope{
		Event:     EventMark,
		StreamSID: sid,
		Mark:      &Mark{Name: name},
	}); err != nil {
		s.dropMark(name)
		return nil, fmt.Errorf("send mark: %w", err)
	}

	return done, nil
}

// ClearAudio discards queued outbound audio at the carrier and releases every
// pending mark waiter. Used for barge-in.
func (s *Session) ClearAudio() error {
	s.mu.Lock()
	sid := s.streamSID
	pending := s.pendingMarks
	s.pendingMarks = make(map[string]chan struct{})
	s.speaking = false
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return s.writeJSON(Envelope{Event: EventClear, StreamSID: sid})
}

// Close terminates the socket. Pending mark waiters are released.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Session) resolveMark(name string) {
	s.mu.Lock()
	done, ok := s.pendingMarks[name]
	if ok {
		delete(s.pendingMarks, name)
	}
	finished := ok && len(s.pendingMarks) == 0 && s.speaking
	if finished {
		s.speaking = false
	}
	s.mu.Unlock()

	if ok {
		close(done)
	}
	if finished && s.h.OnSpeakingFinished != nil {
		s.h.OnSpeakingFinished()
	}
}

func (s *Session) dropMark(name string) {
	s.mu.Lock()
	done, ok := s.pendingMarks[name]
	if ok {
		delete(s.pendingMarks, name)
	}
	s.mu.Unlock()
	if ok {
		close(done)
	}
}

func (s *Session) disconnect() {
	s.mu.Lock()
	s.closed = true
	pending := s.pendingMarks
	s.pendingMarks = make(map[string]chan struct{})
	s.speaking = false
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = s.conn.Close()

	s.disconnectOnce.Do(func() {
		if s.h.OnDisconnected != nil {
			s.h.OnDisconnected()
		}
	})
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
