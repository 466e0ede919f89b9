package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// apologyText is spoken when the agent cannot be reached. The call stays open.
const apologyText = "Sorry, I couldn't process that; please try again."

// AgentClient forwards caller utterances to the conversational agent host and
// returns its reply.
type AgentClient struct {
	client *resty.Client
	log    *zap.SugaredLogger
}

// AgentClientConfig points at the agent host.
type AgentClientConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// NewAgentClient builds the forwarder. A zero timeout defaults to 15 s.
func NewAgentClient(cfg AgentClientConfig, log *zap.SugaredLogger) *AgentClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AgentClient{
		client: resty.New().
			SetBaseURL(cfg.GatewayURL).
			SetTimeout(timeout),
		log: log.Named("agent"),
	}
}

type agentMessage struct {
	CallSID string `json:"call_sid"`
	From    string `json:"from"`
	Text    string `json:"text"`
}

type agentReply struct {
	Response string `json:"response"`
}

// Ask posts one utterance and returns the agent's reply text. An empty reply
// with nil error means the agent chose not to respond.
func (a *AgentClient) Ask(ctx context.Context, callSID, from, text string) (string, error) {
	var reply agentReply
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(agentMessage{CallSID: callSID, From: from, Text: text}).
		SetResult(&reply).
		Post("/api/voice/message")
	if err != nil {
		return "", fmt.Errorf("agent request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("agent request: %s", resp.Status())
	}
	return reply.Response, nil
}
