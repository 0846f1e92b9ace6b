// Package server exposes the gateway's HTTP surface: the turn endpoint the
// phone bridge posts audio to, the management REST API, and the operator and
// event websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicegate/internal/agentlink"
	"voicegate/internal/bus"
	"voicegate/internal/config"
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/logging"
	"voicegate/internal/phone"
	"voicegate/internal/pipeline"
	"voicegate/internal/session"
	"voicegate/internal/speech"
)

const sweepInterval = 30 * time.Second

// Options collects the server collaborators.
type Options struct {
	ConfigMgr   *config.Manager
	Store       *session.Store
	Bus         *bus.Bus
	Instr       *instructions.Store
	Pipeline    *pipeline.Pipeline
	Agents      *agentlink.Manager
	LLM         llm.Client
	Speech      *speech.Client
	Synthesizer speech.Synthesizer
	Bridge      phone.Bridge
	Logger      *logging.Logger
	Version     string
}

// Server is the HTTP front of the gateway.
type Server struct {
	configMgr   *config.Manager
	store       *session.Store
	bus         *bus.Bus
	instr       *instructions.Store
	pipeline    *pipeline.Pipeline
	agents      *agentlink.Manager
	llm         llm.Client
	speech      *speech.Client
	synthesizer speech.Synthesizer
	bridge      phone.Bridge
	logger      *logging.Logger
	version     string

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		configMgr:   opts.ConfigMgr,
		store:       opts.Store,
		bus:         opts.Bus,
		instr:       opts.Instr,
		pipeline:    opts.Pipeline,
		agents:      opts.Agents,
		llm:         opts.LLM,
		speech:      opts.Speech,
		synthesizer: opts.Synthesizer,
		bridge:      opts.Bridge,
		logger:      logging.OrNop(opts.Logger).Component("server"),
		version:     opts.Version,
		engine:      engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.agents.SetGateway(s)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api", s.bearerAuth())
	{
		api.POST("/turn", s.handleTurn)
		api.POST("/asr", s.handleASR)

		api.POST("/session/new", s.handleSessionNew)
		api.POST("/session/reset", s.handleSessionReset)
		api.POST("/session/end", s.handleSessionEnd)
		api.GET("/sessions", s.handleSessionList)
		api.GET("/sessions/:sid", s.handleSessionDetail)

		api.GET("/status", s.handleStatus)

		api.GET("/instructions", s.handleInstructionsGet)
		api.POST("/instructions", s.handleInstructionsSetBase)
		api.POST("/instructions/:sid", s.handleInstructionsSetSession)
		api.POST("/instructions/:sid/turn", s.handleInstructionsSetTurn)
		api.DELETE("/instructions/:sid", s.handleInstructionsClear)

		api.GET("/config/call", s.handleCallConfigGet)
		api.POST("/config/call", s.handleCallConfigSet)
		api.GET("/config/llm", s.handleLLMConfigGet)
		api.POST("/config/llm", s.handleLLMConfigSet)
		api.GET("/config/tts", s.handleTTSConfigGet)
		api.POST("/config/tts", s.handleTTSConfigSet)
		api.POST("/config", s.handleConfigReload)

		api.POST("/call/inject", s.handleCallInject)
		api.POST("/call/dial", s.handleCallDial)

		api.GET("/agent/sessions", s.handleAgentSessions)
		api.GET("/agent/context/:sid", s.handleAgentContextGet)
		api.POST("/agent/context/:sid", s.handleAgentContextSet)
		api.DELETE("/agent/context/:sid", s.handleAgentContextClear)
		api.POST("/agent/inject", s.handleAgentInject)

		api.GET("/callers", s.handleCallerList)
		api.DELETE("/callers/:number", s.handleCallerDelete)

		api.GET("/agent/ws", s.handleAgentWS)
	}
	s.engine.GET("/ws/events", s.bearerAuth(), s.handleEventsWS)
}

// bearerAuth enforces the configured bearer token. Auth is disabled when no
// token is configured.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.configMgr.Snapshot().BearerToken
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		// Browsers cannot set headers on websocket dials, so the token may
		// ride in the query string for ws endpoints.
		if header == "" {
			if q := c.Query("token"); q != "" {
				header = "Bearer " + q
			}
		}
		if header != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Start runs the HTTP listener and the stale-session sweeper until Shutdown.
func (s *Server) Start() error {
	cfg := s.configMgr.Snapshot()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	go s.sweepLoop()

	s.logger.Info("listening", "addr", addr, "version", s.version)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and stops background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, sid := range s.store.SweepStale() {
				s.logger.Info("session expired", "session_id", sid)
				s.pipeline.SaveCarryover(sid)
				s.instr.ClearAllForSession(sid)
				s.bus.Publish("session.expired", sid, nil)
			}
		}
	}
}
