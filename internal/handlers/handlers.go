package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/plantid/internal/repository"
	"github.com/example/plantid/internal/stats"
)

// VerdictCounts reads the running verdict totals.
type VerdictCounts interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// SessionLogs looks up the classifications made on one connection.
type SessionLogs interface {
	FindBySession(ctx context.Context, sessionID string) ([]*repository.ClassificationLog, error)
}

// Dependencies are the read-only views exposed over HTTP. Nil fields turn
// the matching endpoint into a 503.
type Dependencies struct {
	Verdicts       VerdictCounts
	Metrics        stats.MetricsSource
	Sessions       SessionLogs
	ActiveSessions func() int64
}

// RegisterRoutes wires the admin HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if deps.ActiveSessions != nil {
			body["active_sessions"] = deps.ActiveSessions()
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/stats", func(c *gin.Context) {
		if deps.Verdicts == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verdict counters are not configured"})
			return
		}
		counts, err := deps.Verdicts.Counts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"verdicts": counts})
	})

	router.GET("/metrics", func(c *gin.Context) {
		if deps.Metrics == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification log is not configured"})
			return
		}
		summary, err := stats.GetMetricsSummary(c.Request.Context(), deps.Metrics)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/sessions/:id", func(c *gin.Context) {
		if deps.Sessions == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification log is not configured"})
			return
		}
		sessionID := c.Param("id")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		logs, err := deps.Sessions.FindBySession(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(logs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		classifications := make([]gin.H, 0, len(logs))
		for _, log := range logs {
			classifications = append(classifications, gin.H{
				"sequence":   log.Sequence,
				"label":      log.Label,
				"confidence": log.Confidence,
				"accepted":   log.Accepted,
				"image_path": log.ImagePath,
				"sha1":       log.SHA1Hash,
				"latency_ms": log.LatencyMs,
				"created_at": log.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":      sessionID,
			"peer":            logs[0].PeerAddr,
			"classifications": classifications,
		})
	})
}
