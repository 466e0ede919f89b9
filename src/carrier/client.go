// Package carrier wraps the Twilio REST API surface the bridge needs:
// placing calls, redirecting live calls with fresh TwiML, ending calls, and
// validating webhook signatures.
package carrier

import (
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// API is the narrow client contract the call manager depends on. Tests swap
// in a fake; production uses Client.
type API interface {
	// CreateCall places an outbound call driven by inline TwiML. Returns the
	// carrier-assigned call SID and initial status string.
	CreateCall(to, from, twiml, statusCallback string) (sid, status string, err error)
	// UpdateCallTwiML redirects a live call to new inline TwiML.
	UpdateCallTwiML(sid, twiml string) error
	// EndCall completes a call.
	EndCall(sid string) error
}

// Client is the production Twilio-backed implementation of API.
type Client struct {
	rest *twilio.RestClient
	log  *zap.SugaredLogger
}

// ClientConfig holds the account credentials.
type ClientConfig struct {
	AccountSID string
	AuthToken  string
}

// NewClient builds a REST client for the account.
func NewClient(cfg ClientConfig, log *zap.SugaredLogger) *Client {
	return &Client{
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		log: log.Named("carrier"),
	}
}

// CreateCall implements API.
func (c *Client) CreateCall(to, from, twiml, statusCallback string) (string, string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetTwiml(twiml)
	if statusCallback != "" {
		params.SetStatusCallback(statusCallback)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return "", "", fmt.Errorf("create call to %s: %w", to, err)
	}

	sid, status := "", ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	if resp.Status != nil {
		status = *resp.Status
	}
	c.log.Infow("call created", "callSid", sid, "to", to, "status", status)
	return sid, status, nil
}

// UpdateCallTwiML implements API.
func (c *Client) UpdateCallTwiML(sid, twiml string) error {
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := c.rest.Api.UpdateCall(sid, params); err != nil {
		return fmt.Errorf("update call %s: %w", sid, err)
	}
	return nil
}

// EndCall implements API.
func (c *Client) EndCall(sid string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.rest.Api.UpdateCall(sid, params); err != nil {
		return fmt.Errorf("end call %s: %w", sid, err)
	}
	c.log.Infow("call ended", "callSid", sid)
	return nil
}
