package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/alert"
	"execution-core/internal/risk"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.Alerts.KillSwitch().Status()
	clients := 0
	if s.Hub != nil {
		clients = s.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"dry_run":        s.Meta.DryRun,
		"venue":          s.Meta.Venue,
		"version":        s.Meta.Version,
		"kill_switch":    status,
		"open_positions": len(s.StateMgr.Snapshot()),
		"ws_clients":     clients,
	})
}

// placeSignal runs an externally produced signal through admission and
// placement. The response always carries the terminal outcome.
func (s *Server) placeSignal(c *gin.Context) {
	var sig risk.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal: " + err.Error()})
		return
	}
	if sig.ID == "" || sig.Symbol == "" || sig.SizeBase <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, symbol, and size_base are required"})
		return
	}
	if sig.Direction != "long" && sig.Direction != "short" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be long or short"})
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}

	res := s.OrderMgr.Place(c.Request.Context(), sig)
	code := http.StatusOK
	if res.Outcome == "denied" || res.Outcome == "rejected" {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, res)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.StateMgr.Snapshot()})
}

func (s *Server) closePosition(c *gin.Context) {
	id := c.Param("id")
	reason := c.DefaultQuery("reason", "manual")
	if err := s.OrderMgr.Close(c.Request.Context(), id, reason); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": id, "reason": reason})
}

func (s *Server) getRejections(c *gin.Context) {
	rows, err := s.Queries.RecentRejectedOrders(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejections": rows})
}

func (s *Server) getReconciliationLog(c *gin.Context) {
	rows, err := s.Queries.RecentReconciliations(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": rows})
}

func (s *Server) runReconciliation(c *gin.Context) {
	report, err := s.Recon.RunOnce(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !report.Ran {
		c.JSON(http.StatusConflict, gin.H{"error": "reconciliation lock held by another instance"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, s.Alerts.KillSwitch().Status())
}

func (s *Server) engageKillSwitch(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual engage via API"
	}
	engaged, err := s.Alerts.KillSwitch().Engage(c.Request.Context(), alert.TriggerManual, body.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"engaged": true, "transitioned": engaged})
}

func (s *Server) clearKillSwitch(c *gin.Context) {
	var body struct {
		Operator      string `json:"operator"`
		RearmAfterSec int    `json:"rearm_after_sec"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Operator == "" {
		body.Operator = "api"
	}
	rearm := time.Duration(body.RearmAfterSec) * time.Second
	if err := s.Alerts.KillSwitch().Clear(c.Request.Context(), body.Operator, rearm); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"engaged": false, "rearm_after_sec": body.RearmAfterSec})
}

func (s *Server) getRiskLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.RiskMgr.GetLimits())
}

func (s *Server) updateRiskLimits(c *gin.Context) {
	var limits risk.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limits: " + err.Error()})
		return
	}
	if limits.MaxConcurrentPositions <= 0 || limits.MaxTotalRiskR <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "caps must be positive"})
		return
	}
	// Omitted fields keep their defaults rather than collapsing to zero.
	def := risk.DefaultLimits()
	if limits.MaxPositionsPerBase <= 0 {
		limits.MaxPositionsPerBase = def.MaxPositionsPerBase
	}
	if limits.AntiChurnWindow <= 0 {
		limits.AntiChurnWindow = def.AntiChurnWindow
	}
	if limits.SignalExpiryGrace <= 0 {
		limits.SignalExpiryGrace = def.SignalExpiryGrace
	}
	s.RiskMgr.UpdateLimits(limits)
	if payload, err := json.Marshal(limits); err == nil {
		if err := s.Queries.SaveRiskLimits(c.Request.Context(), string(payload)); err != nil {
			log.Printf("[api] WARN: persist risk limits: %v", err)
		}
	}
	c.JSON(http.StatusOK, limits)
}
