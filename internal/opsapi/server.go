// Package opsapi serves the operator HTTP surface: health, reports and sweeps.
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second

	errorCodeInvalidRequest = "invalid_request"
	errorCodeInternal       = "internal_error"
)

// ErrInvalidServerConfig reports missing server dependencies.
var ErrInvalidServerConfig = errors.New("invalid ops server config")

// Reporter is the monitoring surface the server exposes.
type Reporter interface {
	GetSystemMetrics(ctx context.Context) (monitoring.SystemMetrics, error)
	GetHealthMetrics(ctx context.Context) (monitoring.HealthMetrics, error)
	GetUsageMetrics(ctx context.Context, period monitoring.Period) (monitoring.UsageMetrics, error)
	GetTopUsers(ctx context.Context, limit int) ([]monitoring.UserUsage, error)
	GetModelUsageStats(ctx context.Context) ([]monitoring.ItemUsage, error)
}

// Sweeper is the expiry sweeper surface the server exposes.
type Sweeper interface {
	ForceSweep(ctx context.Context) (int, error)
	SweepIfDue(ctx context.Context, minInterval time.Duration) (ledger.SweepOutcome, error)
	Status() ledger.SweepStatus
}

// Config wires a Server.
type Config struct {
	Reporter       Reporter
	Sweeper        Sweeper
	MetricsHandler http.Handler
	// HealthObserver, when set, receives every computed health report.
	HealthObserver func(monitoring.HealthMetrics)
	Logger         *zap.Logger
}

// Server routes operator requests.
type Server struct {
	reporter       Reporter
	sweeper        Sweeper
	healthObserver func(monitoring.HealthMetrics)
	logger         *zap.Logger
	router         *gin.Engine
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("%w: reporter is nil", ErrInvalidServerConfig)
	}
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("%w: sweeper is nil", ErrInvalidServerConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		reporter:       cfg.Reporter,
		sweeper:        cfg.Sweeper,
		healthObserver: cfg.HealthObserver,
		logger:         logger,
	}
	server.router = server.setupRouter(cfg.MetricsHandler)
	return server, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (server *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("ops api listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (server *Server) setupRouter(metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/v1")
	api.GET("/health", server.handleHealth)
	api.GET("/system", server.handleSystem)
	api.GET("/usage", server.handleUsage)
	api.GET("/top-users", server.handleTopUsers)
	api.GET("/model-usage", server.handleModelUsage)
	api.GET("/sweep/status", server.handleSweepStatus)
	api.POST("/sweep", server.handleSweep)

	return router
}

func (server *Server) handleHealth(ctx *gin.Context) {
	health, err := server.reporter.GetHealthMetrics(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if server.healthObserver != nil {
		server.healthObserver(health)
	}
	ctx.JSON(http.StatusOK, health)
}

func (server *Server) handleSystem(ctx *gin.Context) {
	metrics, err := server.reporter.GetSystemMetrics(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, metrics)
}

func (server *Server) handleUsage(ctx *gin.Context) {
	period, err := monitoring.ParsePeriod(ctx.Query("period"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	usage, err := server.reporter.GetUsageMetrics(ctx.Request.Context(), period)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, usage)
}

func (server *Server) handleTopUsers(ctx *gin.Context) {
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	users, err := server.reporter.GetTopUsers(ctx.Request.Context(), limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"users": users})
}

func (server *Server) handleModelUsage(ctx *gin.Context) {
	usage, err := server.reporter.GetModelUsageStats(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"items": usage})
}

type sweepStatusResponse struct {
	LastSweepAt    *time.Time `json:"lastSweepAt"`
	LastSweepCount int        `json:"lastSweepCount"`
	TotalSwept     int64      `json:"totalSwept"`
	Runs           int64      `json:"runs"`
	MinInterval    string     `json:"minInterval"`
	NextEligibleAt *time.Time `json:"nextEligibleAt"`
	Running        bool       `json:"running"`
}

func (server *Server) handleSweepStatus(ctx *gin.Context) {
	status := server.sweeper.Status()
	response := sweepStatusResponse{
		LastSweepCount: status.LastSweepCount,
		TotalSwept:     status.TotalSwept,
		Runs:           status.Runs,
		MinInterval:    status.MinInterval.String(),
		Running:        status.Running,
	}
	if !status.LastSweepAt.IsZero() {
		lastSweepAt := status.LastSweepAt
		nextEligibleAt := status.NextEligibleAt
		response.LastSweepAt = &lastSweepAt
		response.NextEligibleAt = &nextEligibleAt
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleSweep(ctx *gin.Context) {
	force, err := strconv.ParseBool(ctx.DefaultQuery("force", "false"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "force must be a boolean"))
		return
	}
	if force {
		cancelled, err := server.sweeper.ForceSweep(ctx.Request.Context())
		if err != nil {
			server.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"ran": true, "cancelled": cancelled})
		return
	}
	outcome, err := server.sweeper.SweepIfDue(ctx.Request.Context(), 0)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ran": outcome.Ran, "cancelled": outcome.Cancelled})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	if errors.Is(err, ledger.ErrValidation) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
		return
	}
	server.logger.Error("ops request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
