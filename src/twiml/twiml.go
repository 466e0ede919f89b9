// Package twiml builds the XML signaling documents returned to the carrier.
//
// Only the verbs the bridge uses get first-class constructors; the structs are
// exported so callers can compose anything the carrier accepts. Rendering goes
// through encoding/xml, which escapes attribute values and character data.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Response is the TwiML document root.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say instructs the carrier to speak text with its own voice engine.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Gather collects speech (or digits) using the carrier's recognizer.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Verbs         []any
}

// Connect hands the call to a bidirectional media stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  *Stream
}

// Stream opens a media WebSocket back to the bridge.
type Stream struct {
	XMLName    xml.Name `xml:"Stream"`
	URL        string   `xml:"url,attr"`
	Track      string   `xml:"track,attr,omitempty"`
	Parameters []Parameter
}

// Parameter is a custom key/value echoed in the stream's start envelope.
type Parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Hangup terminates the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Redirect transfers control to another TwiML URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Reject declines an inbound call without answering.
type Reject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

// Record starts call recording.
type Record struct {
	XMLName xml.Name `xml:"Record"`
	Action  string   `xml:"action,attr,omitempty"`
	Timeout int      `xml:"timeout,attr,omitempty"`
}

// Dial bridges in another endpoint.
type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

// New returns an empty response.
func New() *Response {
	return &Response{}
}

// Add appends verbs in order.
func (r *Response) Add(verbs ...any) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

// Render serializes the document with the XML declaration the carrier expects.
func (r *Response) Render() (string, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(body), nil
}

// SayHangup is the one-shot announcement document: speak, then hang up.
func SayHangup(text, voice, language string) *Response {
	return New().Add(
		Say{Text: text, Voice: voice, Language: language},
		Hangup{},
	)
}

// SayOnly wraps a single Say verb, used when updating a live call.
func SayOnly(text, voice, language string) *Response {
	return New().Add(Say{Text: text, Voice: voice, Language: language})
}

// ConnectStream opens the media WebSocket for conversational calls. The
// inbound track alone is streamed; the bridge hears the caller, not itself.
func ConnectStream(streamURL string) *Response {
	return New().Add(Connect{Stream: &Stream{
		URL:   streamURL,
		Track: "inbound_track",
	}})
}

// GatherSpeech prompts and re-opens the carrier-side recognizer loop.
func GatherSpeech(prompt, language, action string) *Response {
	g := Gather{
		Input:         "speech dtmf",
		Method:        "POST",
		Timeout:       5,
		SpeechTimeout: "auto",
		Language:      language,
		Action:        action,
	}
	if prompt != "" {
		g.Verbs = append(g.Verbs, Say{Text: prompt, Language: language})
	}
	return New().Add(g)
}
