// Package stream implements the carrier's media-stream WebSocket protocol:
// envelope parsing, inbound audio buffering, and outbound playback with mark
// acknowledgement.
package stream

// Envelope is the carrier's tagged media-stream message. Exactly one of the
// event payloads is set, matching Event.
type Envelope struct {
	Event     string  `json:"event"`
	StreamSID string  `json:"streamSid,omitempty"`
	Sequence  string  `json:"sequenceNumber,omitempty"`
	Start     *Start  `json:"start,omitempty"`
	Media     *Media  `json:"media,omitempty"`
	Mark      *Mark   `json:"mark,omitempty"`
	DTMF      *DTMF   `json:"dtmf,omitempty"`
	Stop      *Stop   `json:"stop,omitempty"`
}

// Start announces the stream's identity and media format.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio on the wire.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one frame of base64-encoded mu-law audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Mark names a playback marker. Outbound it schedules an echo after queued
// audio plays out; inbound it is that echo.
type Mark struct {
	Name string `json:"name"`
}

// DTMF reports one keypad digit pressed by the caller.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Stop closes the stream.
type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Event tags.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)
