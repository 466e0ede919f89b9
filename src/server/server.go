// Package server exposes the carrier webhooks, the media-stream WebSocket
// endpoint, and the bridge's own REST API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/square-key-labs/callbridge/src/call"
	"github.com/square-key-labs/callbridge/src/carrier"
	"github.com/square-key-labs/callbridge/src/config"
	"github.com/square-key-labs/callbridge/src/manager"
	"github.com/square-key-labs/callbridge/src/twiml"
)

// Server wires HTTP routes to the call manager.
type Server struct {
	cfg       *config.Config
	mgr       *manager.Manager
	agent     *AgentClient
	validator *carrier.Validator
	log       *zap.SugaredLogger

	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
}

// New builds the server and registers the transcript handler that forwards
// caller utterances to the agent.
func New(cfg *config.Config, mgr *manager.Manager, log *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		agent:     NewAgentClient(AgentClientConfig{GatewayURL: cfg.Agent.GatewayURL, Timeout: cfg.Agent.Timeout}, log),
		validator: carrier.NewValidator(cfg.Carrier.AuthToken),
		log:       log.Named("server"),
		engine:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier does not send an Origin header browsers would.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.routes()

	mgr.OnTranscript(s.forwardTranscript)
	return s
}

func (s *Server) routes() {
	voice := s.engine.Group("/voice")
	voice.POST("/inbound", s.requireSignature, s.handleInbound)
	voice.POST("/status", s.requireSignature, s.handleStatus)
	voice.POST("/gather", s.requireSignature, s.handleGather)
	// The carrier's stream protocol never signs the WebSocket request.
	voice.GET("/stream", s.handleStream)

	api := s.engine.Group("/api")
	api.POST("/call", s.handleAPICall)
	api.POST("/speak", s.handleAPISpeak)
	api.POST("/end", s.handleAPIEnd)
	api.GET("/call/:callSid", s.handleAPIGetCall)
	api.GET("/calls", s.handleAPIListCalls)

	s.engine.GET("/health", s.handleHealth)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("listening", "addr", addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// requireSignature verifies the carrier's webhook signature. Development mode
// (no public base URL configured, no signature header sent) passes through.
func (s *Server) requireSignature(c *gin.Context) {
	sig := c.GetHeader(carrier.SignatureHeader)
	if s.cfg.Carrier.WebhookBaseURL == "" && sig == "" {
		return
	}

	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed form body"})
		return
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for k, vs := range c.Request.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	url := s.cfg.Carrier.WebhookURL(c.Request.URL.Path)
	if !s.validator.Valid(url, params, sig) {
		s.log.Warnw("signature rejected", "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
	}
}

func (s *Server) handleInbound(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	if callSID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing CallSid"})
		return
	}
	doc, err := s.mgr.HandleInboundCall(callSID, c.PostForm("From"), c.PostForm("To"))
	if err != nil {
		s.log.Errorw("inbound failed", "callSid", callSID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(doc))
}

func (s *Server) handleStatus(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	if callSID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing CallSid"})
		return
	}
	s.mgr.HandleStatusCallback(callSID, c.PostForm("CallStatus"),
		c.PostForm("From"), c.PostForm("To"), c.PostForm("Direction"))
	c.Status(http.StatusOK)
}

func (s *Server) handleGather(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	if callSID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing CallSid"})
		return
	}
	speech := c.PostForm("SpeechResult")
	confidence := 0.0
	if v := c.PostForm("Confidence"); v != "" {
		fmt.Sscanf(v, "%f", &confidence)
	}

	rec := s.mgr.HandleGatherCallback(callSID, speech, confidence, c.PostForm("Digits"))

	reply := ""
	if speech != "" {
		var err error
		reply, err = s.agent.Ask(c.Request.Context(), callSID, rec.From, speech)
		if err != nil {
			s.log.Warnw("agent failed on gather", "callSid", callSID, "err", err)
			reply = apologyText
		}
	}
	if reply != "" {
		rec.AppendTranscript(call.RoleAssistant, reply, -1)
	}

	doc, err := twiml.GatherSpeech(reply, s.cfg.STT.Language, s.cfg.Carrier.WebhookURL("/voice/gather")).Render()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(doc))
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("upgrade failed", "err", err)
		return
	}
	s.mgr.HandleMediaStream(conn)
}

// forwardTranscript is the event-driven path: each finalized caller utterance
// goes to the agent, whose reply is spoken back. Failures get an apology and
// the call stays open.
func (s *Server) forwardTranscript(rec *call.Call, text string, _ float64) {
	ctx := context.Background()

	reply, err := s.agent.Ask(ctx, rec.SID, rec.From, text)
	if err != nil {
		s.log.Warnw("agent failed", "callSid", rec.SID, "err", err)
		reply = apologyText
	}
	if reply == "" {
		rec.SetConversation(call.ConvListening)
		return
	}
	if err := s.mgr.Speak(ctx, rec.SID, reply); err != nil {
		s.log.Warnw("speak failed", "callSid", rec.SID, "err", err)
	}
}

type apiCallRequest struct {
	To           string            `json:"to" binding:"required"`
	Message      string            `json:"message"`
	Greeting     string            `json:"greeting"`
	Conversation bool              `json:"conversation"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleAPICall(c *gin.Context) {
	var req apiCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		snap call.Snapshot
		err  error
	)
	switch {
	case req.Greeting != "" || req.Conversation:
		greeting := req.Greeting
		if greeting == "" {
			greeting = req.Message
		}
		snap, err = s.mgr.MakeConversationCall(req.To, greeting)
	case req.Message != "":
		snap, err = s.mgr.MakeCall(req.To, req.Message)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "message or greeting required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	for k, v := range req.Metadata {
		s.mgr.SetCallMeta(snap.CallSID, k, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"callSid": snap.CallSID,
		"state":   snap.State,
	})
}

type apiSpeakRequest struct {
	CallSID string `json:"callSid" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleAPISpeak(c *gin.Context) {
	var req apiSpeakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Speak(c.Request.Context(), req.CallSID, req.Message); err != nil {
		status := http.StatusInternalServerError
		if err == manager.ErrCallNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "callSid": req.CallSID})
}

type apiEndRequest struct {
	CallSID string `json:"callSid" binding:"required"`
	Message string `json:"message"`
}

func (s *Server) handleAPIEnd(c *gin.Context) {
	var req apiEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.EndCall(c.Request.Context(), req.CallSID, req.Message); err != nil {
		status := http.StatusInternalServerError
		if err == manager.ErrCallNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "callSid": req.CallSID})
}

func (s *Server) handleAPIGetCall(c *gin.Context) {
	snap, ok := s.mgr.GetCall(c.Param("callSid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleAPIListCalls(c *gin.Context) {
	active := make([]call.Snapshot, 0)
	for _, snap := range s.mgr.ListCalls() {
		if !snap.State.Terminal() {
			active = append(active, snap)
		}
	}
	c.JSON(http.StatusOK, gin.H{"calls": active, "count": len(active)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"activeCalls": s.mgr.ActiveCount(),
	})
}
