// Package manager orchestrates calls: it owns the per-call wiring between the
// carrier signaling plane, the media-stream session, speech-to-text and
// text-to-speech, and enforces turn-taking.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/call"
	"github.com/square-key-labs/callbridge/src/carrier"
	"github.com/square-key-labs/callbridge/src/config"
	"github.com/square-key-labs/callbridge/src/stream"
	"github.com/square-key-labs/callbridge/src/stt"
	"github.com/square-key-labs/callbridge/src/tts"
	"github.com/square-key-labs/callbridge/src/twiml"
)

// DefaultListenTimeout bounds SpeakAndListen when the caller never replies.
const DefaultListenTimeout = 30 * time.Second

const defaultInboundGreeting = "Hello! How can I help you today?"

// ErrCallNotFound is returned for operations on unknown call SIDs.
var ErrCallNotFound = fmt.Errorf("call not found")

// TranscriptFunc receives each finalized caller utterance that no
// SpeakAndListen waiter claimed. It runs on its own goroutine per utterance.
type TranscriptFunc func(c *call.Call, text string, confidence float64)

// DTMFFunc receives keypad digits pressed by the caller, from the media
// stream or a gather callback. It runs on its own goroutine per event.
type DTMFFunc func(c *call.Call, digits string)

// Manager tracks every call the bridge knows about and the live media
// resources of the active ones.
type Manager struct {
	cfg *config.Config
	api carrier.API
	tts tts.Provider
	log *zap.SugaredLogger

	// newSTT is swapped by tests.
	newSTT func(stt.Config, stt.Handlers, *zap.SugaredLogger) (stt.Provider, error)

	onTranscript TranscriptFunc
	onDTMF       DTMFFunc

	mu    sync.Mutex
	calls map[string]*liveCall
}

// liveCall pairs a call record with its media-plane resources. session and
// stt are nil before the stream attaches and after release.
type liveCall struct {
	record *call.Call

	// speakMu serializes synthesize-send-await per call so assistant turns
	// never interleave on the socket.
	speakMu sync.Mutex

	mu      sync.Mutex
	session *stream.Session
	stt     stt.Provider
	waiters []chan string
}

// media snapshots the stream and recognizer in one critical section; release
// may nil them at any moment.
func (lc *liveCall) media() (*stream.Session, stt.Provider) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.session, lc.stt
}

// New builds a manager over the carrier API and TTS provider.
func New(cfg *config.Config, api carrier.API, ttsProvider tts.Provider, log *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:    cfg,
		api:    api,
		tts:    ttsProvider,
		log:    log.Named("manager"),
		newSTT: stt.New,
		calls:  make(map[string]*liveCall),
	}
}

// OnTranscript registers the handler for finalized caller utterances. Must be
// set before calls start; typically the agent forwarder.
func (m *Manager) OnTranscript(fn TranscriptFunc) {
	m.onTranscript = fn
}

// OnDTMF registers the handler for caller keypad digits. Must be set before
// calls start.
func (m *Manager) OnDTMF(fn DTMFFunc) {
	m.onDTMF = fn
}

// MakeCall places an announcement-only outbound call: the carrier speaks the
// message and hangs up. No media stream is opened.
func (m *Manager) MakeCall(to, message string) (call.Snapshot, error) {
	toNorm := call.NormalizePhone(to, m.cfg.Carrier.DefaultCountry)
	if toNorm == "" {
		return call.Snapshot{}, fmt.Errorf("invalid phone number %q", to)
	}

	doc, err := twiml.SayHangup(message, "", m.cfg.STT.Language).Render()
	if err != nil {
		return call.Snapshot{}, err
	}

	sid, status, err := m.api.CreateCall(toNorm, m.cfg.Carrier.PhoneNumber, doc, m.statusCallbackURL())
	if err != nil {
		return call.Snapshot{}, err
	}

	rec := call.New(sid, call.Outbound, m.cfg.Carrier.PhoneNumber, toNorm)
	rec.SetSignaling(call.ParseStatus(status))
	rec.AppendTranscript(call.RoleAssistant, message, -1)

	m.mu.Lock()
	m.calls[sid] = &liveCall{record: rec}
	m.mu.Unlock()

	m.log.Infow("announcement call placed", "callSid", sid, "to", toNorm)
	return rec.Snapshot(), nil
}

// MakeConversationCall places an outbound call that connects a media stream
// back to the bridge. The greeting is spoken once the stream attaches.
func (m *Manager) MakeConversationCall(to, greeting string) (call.Snapshot, error) {
	toNorm := call.NormalizePhone(to, m.cfg.Carrier.DefaultCountry)
	if toNorm == "" {
		return call.Snapshot{}, fmt.Errorf("invalid phone number %q", to)
	}

	doc, err := twiml.ConnectStream(m.cfg.Carrier.StreamURL()).Render()
	if err != nil {
		return call.Snapshot{}, err
	}

	sid, status, err := m.api.CreateCall(toNorm, m.cfg.Carrier.PhoneNumber, doc, m.statusCallbackURL())
	if err != nil {
		return call.Snapshot{}, err
	}

	rec := call.New(sid, call.Outbound, m.cfg.Carrier.PhoneNumber, toNorm)
	rec.SetSignaling(call.ParseStatus(status))
	rec.PendingGreeting = greeting

	m.mu.Lock()
	m.calls[sid] = &liveCall{record: rec}
	m.mu.Unlock()

	m.log.Infow("conversation call placed", "callSid", sid, "to", toNorm)
	return rec.Snapshot(), nil
}

func (m *Manager) statusCallbackURL() string {
	if m.cfg.Carrier.WebhookBaseURL == "" {
		return ""
	}
	return m.cfg.Carrier.WebhookURL("/voice/status")
}

// HandleMediaStream drives one accepted media-stream WebSocket until it
// closes. Blocks for the lifetime of the stream.
func (m *Manager) HandleMediaStream(conn *websocket.Conn) {
	var (
		lcMu sync.Mutex
		lc   *liveCall
	)
	current := func() *liveCall {
		lcMu.Lock()
		defer lcMu.Unlock()
		return lc
	}

	var session *stream.Session
	session = stream.NewSession(conn, stream.SessionConfig{}, stream.Handlers{
		OnConnected: func(callSID, streamSID string) {
			attached := m.attachStream(callSID, streamSID, session)
			lcMu.Lock()
			lc = attached
			lcMu.Unlock()
		},
		OnAudio: func(pcm []byte) {
			if c := current(); c != nil {
				m.routeAudio(c, pcm)
			}
		},
		OnSpeakingFinished: func() {
			if c := current(); c != nil {
				m.speakingFinished(c)
			}
		},
		OnDTMF: func(digit string) {
			if c := current(); c != nil {
				m.dtmfReceived(c, digit)
			}
		},
		OnDisconnected: func() {
			if c := current(); c != nil {
				m.streamDetached(c, session)
			}
		},
	}, m.log)

	if err := session.Run(); err != nil {
		m.log.Warnw("media stream ended with error", "err", err)
	}
}

// attachStream binds the session to the call record, creating an inbound
// record if the stream raced ahead of the webhook. A call has at most one
// stream; a newcomer displaces the previous session.
func (m *Manager) attachStream(callSID, streamSID string, s *stream.Session) *liveCall {
	m.mu.Lock()
	lc, ok := m.calls[callSID]
	if !ok {
		lc = &liveCall{record: call.New(callSID, call.Inbound, "", "")}
		lc.record.PendingGreeting = defaultInboundGreeting
		m.calls[callSID] = lc
	}
	m.mu.Unlock()

	lc.mu.Lock()
	oldSession, oldSTT := lc.session, lc.stt
	lc.session = s
	lc.stt = nil
	lc.mu.Unlock()
	if oldSession != nil {
		m.log.Warnw("replacing media stream", "callSid", callSID)
		_ = oldSession.Close()
	}
	if oldSTT != nil {
		_ = oldSTT.Disconnect()
	}

	rec := lc.record
	rec.StreamSID = streamSID
	rec.SetSignaling(call.StateInProgress)
	rec.MarkAnswered()

	provider, err := m.newSTT(stt.Config{
		Provider:       m.cfg.STT.Provider,
		APIKey:         m.cfg.STT.APIKey,
		Language:       m.cfg.STT.Language,
		Model:          m.cfg.STT.Model,
		SilenceTimeout: m.cfg.STT.SilenceTimeout,
	}, stt.Handlers{
		OnTranscript: func(r stt.Result) {
			m.transcriptReceived(lc, r)
		},
		OnSpeechStarted: func() {
			m.speechStarted(lc)
		},
		OnError: func(err error) {
			m.log.Warnw("stt error", "callSid", callSID, "err", err)
		},
	}, m.log)
	if err != nil {
		m.log.Errorw("stt unavailable, call continues without transcription",
			"callSid", callSID, "err", err)
	} else {
		lc.mu.Lock()
		lc.stt = provider
		lc.mu.Unlock()
		if err := provider.Connect(context.Background()); err != nil {
			m.log.Warnw("stt connect failed", "callSid", callSID, "err", err)
		}
	}

	greeting := rec.PendingGreeting
	rec.PendingGreeting = ""
	if greeting != "" {
		go func() {
			if err := m.Speak(context.Background(), callSID, greeting); err != nil {
				m.log.Warnw("greeting failed", "callSid", callSID, "err", err)
			}
		}()
	} else {
		rec.SetConversation(call.ConvListening)
	}

	m.log.Infow("media stream attached", "callSid", callSID, "streamSid", streamSID)
	return lc
}

// routeAudio enforces turn-taking on the inbound audio plane: caller audio
// only reaches speech-to-text while the call is listening.
func (m *Manager) routeAudio(lc *liveCall, pcm []byte) {
	_, recognizer := lc.media()
	if recognizer == nil {
		return
	}
	if lc.record.Conversation() != call.ConvListening {
		recognizer.ClearBuffer()
		return
	}
	if err := recognizer.Send(pcm); err != nil {
		m.log.Warnw("stt send failed", "callSid", lc.record.SID, "err", err)
	}
}

// speakingFinished fires when the carrier confirms playback completed.
func (m *Manager) speakingFinished(lc *liveCall) {
	if _, recognizer := lc.media(); recognizer != nil {
		// Echo captured during playback must not transcribe.
		recognizer.ClearBuffer()
	}
	lc.record.SetConversation(call.ConvListening)
}

// speechStarted handles provider VAD during playback: barge-in.
func (m *Manager) speechStarted(lc *liveCall) {
	session, recognizer := lc.media()
	if !m.cfg.STT.BargeIn || recognizer == nil || !recognizer.SupportsBargeIn() {
		return
	}
	if session == nil || !session.IsSpeaking() {
		return
	}
	m.log.Infow("barge-in, clearing playback", "callSid", lc.record.SID)
	if err := session.ClearAudio(); err != nil {
		m.log.Warnw("clear failed", "callSid", lc.record.SID, "err", err)
	}
	recognizer.ClearBuffer()
	lc.record.SetConversation(call.ConvListening)
}

// dtmfReceived records a keypad digit from the media stream and fans it out.
func (m *Manager) dtmfReceived(lc *liveCall, digit string) {
	rec := lc.record
	prev, _ := rec.Meta("digits")
	rec.SetMeta("digits", prev+digit)
	m.log.Infow("dtmf", "callSid", rec.SID, "digit", digit)
	if m.onDTMF != nil {
		go m.onDTMF(rec, digit)
	}
}

// streamDetached releases the call only while the ending session is still the
// attached one; a displaced session's teardown must not kill its successor.
func (m *Manager) streamDetached(lc *liveCall, s *stream.Session) {
	lc.mu.Lock()
	current := lc.session == s
	lc.mu.Unlock()
	if current {
		m.release(lc.record.SID)
	}
}

// transcriptReceived accepts final hypotheses only while listening; anything
// else is a stale fragment from before a turn change.
func (m *Manager) transcriptReceived(lc *liveCall, r stt.Result) {
	if !r.IsFinal || r.Text == "" {
		return
	}
	rec := lc.record
	if rec.Conversation() != call.ConvListening {
		return
	}
	rec.SetConversation(call.ConvProcessing)
	rec.AppendTranscript(call.RoleUser, r.Text, r.Confidence)
	m.log.Infow("caller said", "callSid", rec.SID, "text", r.Text)

	// A SpeakAndListen waiter claims the utterance; otherwise it goes to the
	// registered transcript handler.
	lc.mu.Lock()
	var waiter chan string
	if len(lc.waiters) > 0 {
		waiter = lc.waiters[0]
		lc.waiters = lc.waiters[1:]
	}
	lc.mu.Unlock()

	if waiter != nil {
		waiter <- r.Text
		return
	}
	if m.onTranscript != nil {
		go m.onTranscript(rec, r.Text, r.Confidence)
	}
}

// Speak plays synthesized text into the call and returns once the carrier
// confirms playback (or it is cleared by barge-in). When no media stream is
// attached, or synthesis fails, the carrier's own voice reads the text
// instead, so the caller never hears dead air. Turns on the same call are
// serialized; concurrent Speak calls queue.
func (m *Manager) Speak(ctx context.Context, callSID, text string) error {
	lc := m.lookup(callSID)
	if lc == nil {
		return ErrCallNotFound
	}
	lc.speakMu.Lock()
	defer lc.speakMu.Unlock()

	rec := lc.record
	rec.SetConversation(call.ConvSpeaking)
	rec.AppendTranscript(call.RoleAssistant, text, -1)

	session, _ := lc.media()
	if session == nil {
		return m.sayFallback(lc, text)
	}

	frames, err := tts.SynthesizeTelephony(ctx, m.tts, text)
	if err != nil {
		m.log.Warnw("synthesis failed, falling back to carrier voice",
			"callSid", callSID, "err", err)
		return m.sayFallback(lc, text)
	}

	done, err := session.SendAudioFrames(frames)
	if err != nil {
		rec.SetConversation(call.ConvListening)
		return fmt.Errorf("send playback: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sayFallback(lc *liveCall, text string) error {
	doc, err := twiml.SayOnly(text, "", m.cfg.STT.Language).Render()
	if err != nil {
		return err
	}
	if err := m.api.UpdateCallTwiML(lc.record.SID, doc); err != nil {
		return fmt.Errorf("carrier fallback: %w", err)
	}
	// Redirected playback produces no mark echo, so release the turn now.
	lc.record.SetConversation(call.ConvListening)
	return nil
}

// SpeakAndListen speaks text, then waits for the caller's next finalized
// utterance. Returns the empty string when the caller stays silent past the
// timeout (zero means DefaultListenTimeout).
func (m *Manager) SpeakAndListen(ctx context.Context, callSID, text string, timeout time.Duration) (string, error) {
	lc := m.lookup(callSID)
	if lc == nil {
		return "", ErrCallNotFound
	}
	if timeout <= 0 {
		timeout = DefaultListenTimeout
	}

	waiter := make(chan string, 1)
	lc.mu.Lock()
	lc.waiters = append(lc.waiters, waiter)
	lc.mu.Unlock()

	removeWaiter := func() {
		lc.mu.Lock()
		for i, w := range lc.waiters {
			if w == waiter {
				lc.waiters = append(lc.waiters[:i], lc.waiters[i+1:]...)
				break
			}
		}
		lc.mu.Unlock()
	}

	if err := m.Speak(ctx, callSID, text); err != nil {
		removeWaiter()
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		removeWaiter()
		m.log.Infow("listen timed out", "callSid", callSID)
		return "", nil
	case <-ctx.Done():
		removeWaiter()
		return "", ctx.Err()
	}
}

// EndCall hangs up. A non-empty goodbye is spoken first when a media stream
// is live; hangup proceeds regardless of playback errors.
func (m *Manager) EndCall(ctx context.Context, callSID, goodbye string) error {
	lc := m.lookup(callSID)
	if lc == nil {
		return ErrCallNotFound
	}

	if goodbye != "" {
		if session, _ := lc.media(); session != nil {
			if err := m.Speak(ctx, callSID, goodbye); err != nil {
				m.log.Warnw("goodbye failed", "callSid", callSID, "err", err)
			}
		}
	}

	if err := m.api.EndCall(callSID); err != nil {
		return err
	}

	lc.record.SetSignaling(call.StateCompleted)
	lc.record.MarkEnded()
	m.release(callSID)
	return nil
}

// HandleInboundCall answers an incoming call by connecting a media stream.
// Returns the TwiML to respond with.
func (m *Manager) HandleInboundCall(callSID, from, to string) (string, error) {
	m.mu.Lock()
	lc, ok := m.calls[callSID]
	if !ok {
		lc = &liveCall{record: call.New(callSID, call.Inbound, from, to)}
		m.calls[callSID] = lc
	}
	m.mu.Unlock()

	rec := lc.record
	rec.SetSignaling(call.StateInProgress)
	if rec.PendingGreeting == "" {
		rec.PendingGreeting = defaultInboundGreeting
	}

	m.log.Infow("inbound call", "callSid", callSID, "from", from)
	return twiml.ConnectStream(m.cfg.Carrier.StreamURL()).Render()
}

// HandleStatusCallback applies a carrier lifecycle event. Duplicate and
// out-of-order deliveries are safe: transitions are idempotent and terminal
// states stick.
func (m *Manager) HandleStatusCallback(callSID, status, from, to, direction string) {
	next := call.ParseStatus(status)

	m.mu.Lock()
	lc, ok := m.calls[callSID]
	if !ok {
		dir := call.Outbound
		if direction == "inbound" {
			dir = call.Inbound
		}
		lc = &liveCall{record: call.New(callSID, dir, from, to)}
		m.calls[callSID] = lc
	}
	m.mu.Unlock()

	rec := lc.record
	if rec.Signaling().Terminal() {
		return
	}
	rec.SetSignaling(next)

	switch {
	case next == call.StateInProgress:
		rec.MarkAnswered()
	case next.Terminal():
		rec.MarkEnded()
		m.release(callSID)
	}
	m.log.Infow("status", "callSid", callSID, "state", next)
}

// HandleGatherCallback records what the carrier's recognizer heard. The
// server layer decides the reply. Returns the call record, creating one for
// unknown SIDs.
func (m *Manager) HandleGatherCallback(callSID, speechResult string, confidence float64, digits string) *call.Call {
	m.mu.Lock()
	lc, ok := m.calls[callSID]
	if !ok {
		lc = &liveCall{record: call.New(callSID, call.Inbound, "", "")}
		m.calls[callSID] = lc
	}
	m.mu.Unlock()

	rec := lc.record
	if speechResult != "" {
		rec.AppendTranscript(call.RoleUser, speechResult, confidence)
	}
	if digits != "" {
		rec.SetMeta("digits", digits)
		if m.onDTMF != nil {
			go m.onDTMF(rec, digits)
		}
	}
	return rec
}

// SetCallMeta attaches caller-supplied metadata to a known call.
func (m *Manager) SetCallMeta(callSID, key, value string) {
	if lc := m.lookup(callSID); lc != nil {
		lc.record.SetMeta(key, value)
	}
}

// GetCall returns a snapshot of a known call.
func (m *Manager) GetCall(callSID string) (call.Snapshot, bool) {
	lc := m.lookup(callSID)
	if lc == nil {
		return call.Snapshot{}, false
	}
	return lc.record.Snapshot(), true
}

// ListCalls snapshots every known call, newest first.
func (m *Manager) ListCalls() []call.Snapshot {
	m.mu.Lock()
	lcs := make([]*liveCall, 0, len(m.calls))
	for _, lc := range m.calls {
		lcs = append(lcs, lc)
	}
	m.mu.Unlock()

	out := make([]call.Snapshot, 0, len(lcs))
	for _, lc := range lcs {
		out = append(out, lc.record.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount reports calls not yet in a terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, lc := range m.calls {
		if !lc.record.Signaling().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown hangs up every active call, best effort.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var active []string
	for sid, lc := range m.calls {
		if !lc.record.Signaling().Terminal() {
			active = append(active, sid)
		}
	}
	m.mu.Unlock()

	for _, sid := range active {
		if err := m.EndCall(ctx, sid, ""); err != nil {
			m.log.Warnw("shutdown hangup failed", "callSid", sid, "err", err)
		}
	}
	if len(active) > 0 {
		m.log.Infow("shutdown ended calls", "count", len(active))
	}
}

func (m *Manager) lookup(callSID string) *liveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callSID]
}

// release tears down the media-plane resources of a call, keeping the record
// for status queries. Safe to call more than once.
func (m *Manager) release(callSID string) {
	lc := m.lookup(callSID)
	if lc == nil {
		return
	}

	lc.mu.Lock()
	session, provider := lc.session, lc.stt
	lc.session, lc.stt = nil, nil
	waiters := lc.waiters
	lc.waiters = nil
	lc.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if provider != nil {
		_ = provider.Disconnect()
	}
	if session != nil {
		_ = session.Close()
	}
	lc.record.SetConversation(call.ConvIdle)
}
