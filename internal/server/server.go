// Package server exposes the trading core over HTTP: order submission and
// inspection, risk and alert visibility, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/latency"
	"github.com/khill1269/hft-trading-system/internal/optimizer"
	"github.com/khill1269/hft-trading-system/internal/orderflow"
	"github.com/khill1269/hft-trading-system/internal/risk"
)

// Server wires the HTTP API over the core components.
type Server struct {
	logger   *zap.Logger
	flow     *orderflow.Manager
	riskMgr  *risk.Manager
	alerts   *alert.Manager
	recorder *latency.Recorder // optional

	httpSrv *http.Server
}

// New builds the server and its routes.
func New(addr string, logger *zap.Logger, flow *orderflow.Manager, riskMgr *risk.Manager, alerts *alert.Manager, recorder *latency.Recorder) *Server {
	s := &Server{
		logger:   logger,
		flow:     flow,
		riskMgr:  riskMgr,
		alerts:   alerts,
		recorder: recorder,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders/:id", s.orderStatus)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/risk/metrics", s.riskMetrics)
		v1.GET("/risk/positions", s.positions)
		v1.GET("/alerts", s.alertLog)
		v1.GET("/latency", s.latencyStats)
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"degraded": s.flow.Degraded(),
		"time":     time.Now().UTC(),
	})
}

type submitOrderRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	Side       string `json:"side" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Quantity   string `json:"quantity" binding:"required"`
	LimitPrice string `json:"limit_price"`
	Urgent     bool   `json:"urgent"`
	Strategy   string `json:"strategy"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}
	limit := decimal.Zero
	if req.LimitPrice != "" {
		if limit, err = decimal.NewFromString(req.LimitPrice); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit_price"})
			return
		}
	}

	var flags orderflow.OrderFlags
	if req.Urgent {
		flags |= orderflow.FlagUrgent
	}

	id, err := s.flow.Submit(c.Request.Context(), orderflow.SubmitRequest{
		Symbol:     req.Symbol,
		Side:       orderflow.Side(req.Side),
		Type:       orderflow.OrderType(req.Type),
		Quantity:   qty,
		LimitPrice: limit,
		Flags:      flags,
		Strategy:   parseStrategy(req.Strategy),
	})
	if err != nil {
		if errors.Is(err, orderflow.ErrRejected) {
			// The order exists and is queryable with its rejection reason.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"order_id": id, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": id})
}

func (s *Server) orderStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	snap, err := s.flow.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if !s.flow.Cancel(c.Request.Context(), id) {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) riskMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.riskMgr.CurrentMetrics())
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, s.riskMgr.Positions())
}

func (s *Server) alertLog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  s.alerts.Active(),
		"history": s.alerts.History(),
	})
}

func (s *Server) latencyStats(c *gin.Context) {
	if s.recorder == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current":  s.recorder.Stats(),
		"baseline": s.recorder.Baseline(),
	})
}

func parseStrategy(s string) optimizer.Strategy {
	switch s {
	case "PASSIVE":
		return optimizer.StrategyPassive
	case "AGGRESSIVE":
		return optimizer.StrategyAggressive
	default:
		return optimizer.StrategyNormal
	}
}
