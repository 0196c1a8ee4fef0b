package api

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/rawblock/btn-forensics/internal/db"
	"github.com/rawblock/btn-forensics/internal/engine"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// ReportStore persists a session's findings and pages them back
type ReportStore interface {
	SaveReport(ctx context.Context, r db.Report) error
	ListFindings(ctx context.Context, sessionID string, page, limit int) ([]db.StoredFinding, int, error)
}

// FindingPublisher forwards findings to downstream consumers
type FindingPublisher interface {
	PublishFindings(ctx context.Context, sessionID string, findings []models.Finding) error
	PublishExpansion(ctx context.Context, sessionID string, report models.ExpansionReport) error
}

// BlockSource reads confirmed blocks as records
type BlockSource interface {
	Records(ctx context.Context, start, end int64) ([]models.Record, error)
}

// Deps wires the optional collaborators. Nil collaborators are skipped.
type Deps struct {
	Sessions       *Registry
	Hub            *Hub
	Store          ReportStore
	Publisher      FindingPublisher
	Blocks         BlockSource
	Limiter        *RateLimiter
	SessionOptions engine.Options
	AllowedOrigins []string
	AuthToken      string
	Logger         *log.Logger
}

type APIHandler struct {
	deps Deps
	log  *log.Logger
}

func SetupRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewRegistry(64)
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger), cors(deps.AllowedOrigins))
	if deps.Limiter != nil {
		r.Use(deps.Limiter.Middleware())
	}

	handler := &APIHandler{deps: deps, log: deps.Logger}

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", deps.Hub.Subscribe)
	}

	protected := api.Group("")
	protected.Use(AuthMiddleware(deps.AuthToken, deps.Logger))
	{
		protected.GET("/sessions", handler.handleListSessions)
		protected.POST("/sessions", handler.handleCreateSession)
		protected.DELETE("/sessions/:id", handler.handleDeleteSession)

		s := protected.Group("/sessions/:id")
		s.POST("/detect", handler.handleDetect)
		s.POST("/expand", handler.handleExpand)
		s.POST("/agreement", handler.handleAgreement)
		s.GET("/summary", handler.handleSummary)
		s.GET("/findings", handler.handleFindings)
		s.GET("/patterns", handler.handlePatterns)
		s.GET("/pattern-summary", handler.handlePatternSummary)
		s.GET("/features/:address", handler.handleFeatures)
		s.GET("/address/:address", handler.handleAddressDetail)
		s.GET("/clusters", handler.handleClusters)
		s.GET("/clusters/:cid", handler.handleClusterMembers)
		s.GET("/withdrawals", handler.handleWithdrawals)
		s.GET("/deposits", handler.handleDeposits)
		s.GET("/timings", handler.handleTimings)
		s.GET("/transactions", handler.handleSuspectedTransactions)
		s.GET("/stored-findings", handler.handleStoredFindings)
	}

	return r
}

func cors(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("[API] request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status())
	}
}
