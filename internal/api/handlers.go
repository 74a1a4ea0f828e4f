package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"symbol": s.deps.Symbol,
		"phase":  "idle",
	}

	if current := s.deps.Engine.CurrentAttempt(); current != nil {
		status["phase"] = string(current.Phase)
		status["attempt"] = current
	}
	if last := s.deps.Engine.LastAttempt(); last != nil {
		status["last_attempt"] = last
	}

	ctx := c.Request.Context()
	if balance, err := s.deps.Executor.Balance(ctx); err == nil {
		status["balance"] = balance
	} else {
		s.logger.Warn().Err(err).Msg("balance unavailable for status")
	}
	if pos, err := s.deps.Executor.Position(ctx, s.deps.Symbol); err == nil && !pos.Flat() {
		status["position"] = pos
	}
	if s.deps.Breaker != nil {
		status["breaker"] = string(s.deps.Breaker.State())
	}

	active := s.deps.Store.Active()
	status["active_params_id"] = active.ID
	status["active_params_provenance"] = string(active.Provenance)

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.deps.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	trades, err := s.deps.Trades.RecentTrades(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		s.logger.Error().Err(err).Msg("list trades failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleParameters(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Store.Active())
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.deps.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	runs, err := s.deps.Trades.RecentRuns(c.Request.Context(), queryLimit(c, 20))
	if err != nil {
		s.logger.Error().Err(err).Msg("list optimizer runs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
