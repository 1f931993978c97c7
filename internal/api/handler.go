// Package api exposes the execution core's operator surface over HTTP.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/alert"
	"execution-core/internal/events"
	"execution-core/internal/notify"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"
)

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Queries  *db.Queries
	RiskMgr  *risk.Manager
	OrderMgr *order.Manager
	StateMgr *state.Manager
	Recon    *reconciliation.Service
	Alerts   *alert.Manager
	Hub      *notify.Hub
	Meta     SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun  bool
	Venue   string
	Version string
}

func NewServer(bus *events.Bus, queries *db.Queries, riskMgr *risk.Manager, orderMgr *order.Manager,
	stateMgr *state.Manager, recon *reconciliation.Service, alerts *alert.Manager, hub *notify.Hub, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Bus:      bus,
		Queries:  queries,
		RiskMgr:  riskMgr,
		OrderMgr: orderMgr,
		StateMgr: stateMgr,
		Recon:    recon,
		Alerts:   alerts,
		Hub:      hub,
		Meta:     meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.Hub != nil {
		s.Router.GET("/ws", s.Hub.Handler)
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		api.POST("/signals", s.placeSignal)

		api.GET("/positions", s.getPositions)
		api.POST("/positions/:id/close", s.closePosition)

		api.GET("/rejections", s.getRejections)
		api.GET("/reconciliation", s.getReconciliationLog)
		api.POST("/reconciliation/run", s.runReconciliation)

		api.GET("/killswitch", s.getKillSwitch)
		api.POST("/killswitch/engage", s.engageKillSwitch)
		api.POST("/killswitch/clear", s.clearKillSwitch)

		api.GET("/risk/limits", s.getRiskLimits)
		api.PUT("/risk/limits", s.updateRiskLimits)
	}
}
