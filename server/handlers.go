package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DavidGasparyan/phishing-simulator/auth"
	"github.com/DavidGasparyan/phishing-simulator/models"
	"github.com/DavidGasparyan/phishing-simulator/service"
	"github.com/DavidGasparyan/phishing-simulator/store"
)

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if s.deps.Store != nil {
		checks["store"] = "ok"
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Publisher != nil {
		checks["relay"] = "ok"
		if err := s.deps.Publisher.Ping(ctx); err != nil {
			checks["relay"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	body := gin.H{
		"status":      "healthy",
		"service":     "phishing-simulator",
		"mode":        string(s.mode),
		"environment": s.config.App.Env,
		"checks":      checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.mode.management() && s.deps.Gateway != nil {
		body["realtime"] = s.deps.Gateway.Stats()
	}

	c.JSON(status, body)
}

// realtimeStatus reports the dashboard gateway's policy and session counts.
func (s *Server) realtimeStatus(c *gin.Context) {
	stats := s.deps.Gateway.Stats()
	c.JSON(http.StatusOK, gin.H{
		"policy":     string(s.deps.Gateway.Policy()),
		"connected":  stats.Connected,
		"subscribed": stats.Subscribed,
	})
}

func (s *Server) trackClick(c *gin.Context) {
	s.deps.Tracker.TrackClick(c.Writer, c.Request, c.Param("token"))
}

func (s *Server) sendAttempt(c *gin.Context) {
	var req models.CreateAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.deps.Attempts.Send(c.Request.Context(), req)
	if errors.Is(err, service.ErrDelivery) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send phishing email", "phishingAttempt": a})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, a)
}

func (s *Server) createAttempt(c *gin.Context) {
	var req models.CreateAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	caller := callerFrom(c)
	req.CreatedBy = caller.UserID

	a, err := s.deps.Attempts.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) listAttempts(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	result, err := s.deps.Attempts.List(c.Request.Context(), callerFrom(c), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) attemptStats(c *gin.Context) {
	stats, err := s.deps.Attempts.Stats(c.Request.Context(), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getAttempt(c *gin.Context) {
	a, err := s.deps.Attempts.Get(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) updateAttempt(c *gin.Context) {
	var req models.UpdateAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.deps.Attempts.Update(c.Request.Context(), callerFrom(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAttempt(c *gin.Context) {
	if err := s.deps.Attempts.Delete(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func callerFrom(c *gin.Context) service.Caller {
	claims, ok := auth.CurrentClaims(c)
	if !ok {
		return service.Caller{}
	}
	return service.Caller{UserID: claims.Subject, Admin: claims.IsAdmin()}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Phishing attempt not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "You do not have access to this phishing attempt"})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("request failed", "route", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
