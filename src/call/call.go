// Package call holds the per-call record: identity, lifecycle, transcript and
// the conversation state machine that enforces turn-taking.
package call

import (
	"strings"
	"sync"
	"time"
)

// SignalingState is the carrier-visible call status.
type SignalingState string

const (
	StateQueued     SignalingState = "queued"
	StateInitiated  SignalingState = "initiated"
	StateRinging    SignalingState = "ringing"
	StateInProgress SignalingState = "in-progress"
	StateCompleted  SignalingState = "completed"
	StateBusy       SignalingState = "busy"
	StateFailed     SignalingState = "failed"
	StateNoAnswer   SignalingState = "no-answer"
	StateCanceled   SignalingState = "canceled"
)

// Terminal reports whether the carrier will send no further transitions.
func (s SignalingState) Terminal() bool {
	switch s {
	case StateCompleted, StateBusy, StateFailed, StateNoAnswer, StateCanceled:
		return true
	}
	return false
}

// ParseStatus maps a carrier status string to the closed state set.
// Matching is case-insensitive; unknown strings default to initiated.
func ParseStatus(s string) SignalingState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StateQueued
	case "initiated":
		return StateInitiated
	case "ringing":
		return StateRinging
	case "in-progress":
		return StateInProgress
	case "completed":
		return StateCompleted
	case "busy":
		return StateBusy
	case "failed":
		return StateFailed
	case "no-answer":
		return StateNoAnswer
	case "canceled":
		return StateCanceled
	default:
		return StateInitiated
	}
}

// ConversationState gates the audio plane per call.
type ConversationState string

const (
	ConvIdle       ConversationState = "idle"
	ConvSpeaking   ConversationState = "speaking"
	ConvListening  ConversationState = "listening"
	ConvProcessing ConversationState = "processing"
)

// Direction of the call relative to the bridge.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is an immutable line of the in-call conversation.
// Confidence is only meaningful for user entries; negative means unknown.
type TranscriptEntry struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Call is the bridge's memory of one carrier call. All mutation goes through
// methods holding the record's own lock; the manager serializes higher-level
// transitions per call id.
type Call struct {
	mu sync.RWMutex

	SID        string
	AccountSID string
	StreamSID  string
	Direction  Direction
	From       string
	To         string

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time

	signaling    SignalingState
	conversation ConversationState

	transcript []TranscriptEntry
	metadata   map[string]string

	// PendingGreeting is spoken once the media stream attaches.
	PendingGreeting string

	RecordingURL string
}

// New creates a call record in the given initial signaling state.
func New(sid string, dir Direction, from, to string) *Call {
	return &Call{
		SID:          sid,
		Direction:    dir,
		From:         from,
		To:           to,
		CreatedAt:    time.Now(),
		signaling:    StateQueued,
		conversation: ConvIdle,
		metadata:     make(map[string]string),
	}
}

// Signaling returns the current carrier-visible state.
func (c *Call) Signaling() SignalingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signaling
}

// SetSignaling transitions the carrier-visible state.
func (c *Call) SetSignaling(s SignalingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signaling = s
}

// Conversation returns the turn-taking state.
func (c *Call) Conversation() ConversationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversation
}

// SetConversation transitions the turn-taking state.
func (c *Call) SetConversation(s ConversationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversation = s
}

// MarkAnswered stamps the answer time once.
func (c *Call) MarkAnswered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AnsweredAt.IsZero() {
		c.AnsweredAt = time.Now()
	}
}

// MarkEnded stamps the end time once.
func (c *Call) MarkEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndedAt.IsZero() {
		c.EndedAt = time.Now()
	}
}

// Duration is the answered-to-ended span in whole seconds, never negative.
// Zero until both timestamps exist.
func (c *Call) Duration() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AnsweredAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	d := int(c.EndedAt.Sub(c.AnsweredAt).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// AppendTranscript records an immutable entry in FIFO order.
func (c *Call) AppendTranscript(role Role, text string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, TranscriptEntry{
		Role:       role,
		Text:       text,
		Timestamp:  time.Now(),
		Confidence: confidence,
	})
}

// Transcript returns a copy of the entries so far.
func (c *Call) Transcript() []TranscriptEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TranscriptEntry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// SetMeta stores arbitrary metadata. Keys starting with underscore are
// reserved for the bridge's own use.
func (c *Call) SetMeta(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Meta reads a metadata value.
func (c *Call) Meta(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetaCopy returns a snapshot of all metadata.
func (c *Call) MetaCopy() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Snapshot is the externally visible view of a call, safe to serialize.
type Snapshot struct {
	CallSID      string            `json:"callSid"`
	AccountSID   string            `json:"accountSid,omitempty"`
	StreamSID    string            `json:"streamSid,omitempty"`
	Direction    Direction         `json:"direction"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	State        SignalingState    `json:"state"`
	Conversation ConversationState `json:"conversation"`
	CreatedAt    time.Time         `json:"createdAt"`
	AnsweredAt   *time.Time        `json:"answeredAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	Duration     int               `json:"duration"`
	Transcript   []TranscriptEntry `json:"transcript"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RecordingURL string            `json:"recordingUrl,omitempty"`
}

// Snapshot captures a consistent view of the record.
func (c *Call) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		CallSID:      c.SID,
		AccountSID:   c.AccountSID,
		StreamSID:    c.StreamSID,
		Direction:    c.Direction,
		From:         c.From,
		To:           c.To,
		State:        c.signaling,
		Conversation: c.conversation,
		CreatedAt:    c.CreatedAt,
		Transcript:   append([]TranscriptEntry(nil), c.transcript...),
		RecordingURL: c.RecordingURL,
	}
	if !c.AnsweredAt.IsZero() {
		t := c.AnsweredAt
		snap.AnsweredAt = &t
	}
	if !c.EndedAt.IsZero() {
		t := c.EndedAt
		snap.EndedAt = &t
	}
	if !c.AnsweredAt.IsZero() && !c.EndedAt.IsZero() {
		if d := int(c.EndedAt.Sub(c.AnsweredAt).Seconds()); d > 0 {
			snap.Duration = d
		}
	}
	if len(c.metadata) > 0 {
		snap.Metadata = make(map[string]string, len(c.metadata))
		for k, v := range c.metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}
