package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"equation_consensus/pkg/config"
	"equation_consensus/pkg/consensus"
	"equation_consensus/pkg/data"
	"equation_consensus/pkg/security"
)

// Pipeline is the coordinator surface the gateway needs
type Pipeline interface {
	Submit(ctx context.Context, candidate *data.Candidate) (*consensus.SubmitResult, error)
	Cancel(candidateID string) error
	Stats() consensus.Stats
}

// JudgeDirectory lists judge registrations for the health endpoint
type JudgeDirectory interface {
	List() []*data.JudgeRegistration
}

// Server is the HTTP and WebSocket surface of the pipeline
type Server struct {
	logger    *zap.Logger
	cfg       *config.GatewayConfig
	pipeline  Pipeline
	repo      data.Repository
	judges    JudgeDirectory
	validator *security.Validator
	crypto    *security.CryptoManager
	hub       *Hub

	httpServer *http.Server
}

// NewServer wires the gateway. crypto may be nil when auth is disabled.
func NewServer(cfg *config.GatewayConfig, pipeline Pipeline, repo data.Repository, judges JudgeDirectory, validator *security.Validator, crypto *security.CryptoManager, hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		logger:    logger,
		cfg:       cfg,
		pipeline:  pipeline,
		repo:      repo,
		judges:    judges,
		validator: validator,
		crypto:    crypto,
		hub:       hub,
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	if s.cfg.AuthRequired {
		api.Use(s.authMiddleware())
	}
	api.POST("/candidates", s.handleSubmit)
	api.DELETE("/candidates/:id", s.handleCancel)
	api.GET("/decisions", s.handleListDecisions)
	api.GET("/decisions/:id", s.handleGetDecision)
	api.GET("/judges", s.handleListJudges)
	api.GET("/stats", s.handleStats)

	router.GET("/ws", s.hub.ServeWS)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start serves HTTP on the configured address until Shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router(),
	}
	s.logger.Info("Gateway listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections and closes the websocket hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

type submitRequest struct {
	Payload  string `json:"payload" binding:"required"`
	DedupKey string `json:"dedup_key"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}

	if err := s.validator.ValidatePayload(req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate, err := data.NewCandidate(req.Payload, req.DedupKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.pipeline.Submit(c.Request.Context(), candidate)
	switch {
	case errors.Is(err, consensus.ErrNoHealthyJudges):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, consensus.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("Submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) handleCancel(c *gin.Context) {
	err := s.pipeline.Cancel(c.Param("id"))
	if errors.Is(err, data.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending candidate with that id"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleListDecisions(c *gin.Context) {
	filter, err := parseDecisionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decisions, err := s.repo.ListDecisions(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Listing decisions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing decisions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) handleGetDecision(c *gin.Context) {
	decision, err := s.repo.GetDecision(c.Request.Context(), c.Param("id"))
	if errors.Is(err, data.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetching decision failed"})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleListJudges(c *gin.Context) {
	judges := s.judges.List()
	c.JSON(http.StatusOK, gin.H{"judges": judges, "count": len(judges)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.pipeline.Stats()
	storeStats, err := s.repo.Stats(c.Request.Context())
	if err != nil {
		s.logger.Warn("Store stats unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"pipeline":    stats,
		"store":       storeStats,
		"subscribers": s.hub.ClientCount(),
	})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		if _, err := s.crypto.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func parseDecisionFilter(c *gin.Context) (data.DecisionFilter, error) {
	filter := data.DecisionFilter{Limit: 100}

	if raw := c.Query("accepted"); raw != "" {
		accepted, err := strconv.ParseBool(raw)
		if err != nil {
			return data.DecisionFilter{}, errors.New("accepted must be a boolean")
		}
		filter.Accepted = &accepted
	}
	if raw := c.Query("min_confidence"); raw != "" {
		minConf, err := strconv.ParseFloat(raw, 64)
		if err != nil || minConf < 0 || minConf > 1 {
			return data.DecisionFilter{}, errors.New("min_confidence must be in [0,1]")
		}
		filter.MinConfidence = &minConf
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return data.DecisionFilter{}, errors.New("since must be RFC3339")
		}
		filter.Since = &since
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = data.DecisionStatus(raw)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return data.DecisionFilter{}, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return data.DecisionFilter{}, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}
