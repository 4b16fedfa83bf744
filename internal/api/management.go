package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/routercore/llmrouter/internal/streaming"
)

// listBlacklist returns current blacklist entries with their reasons.
func (s *Server) listBlacklist(c *gin.Context) {
	entries := s.center.GetBlacklisted()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		item := gin.H{
			"pipelineId":    e.PipelineID,
			"instanceId":    e.InstanceID,
			"blacklistedAt": e.BlacklistedAt.Format(time.RFC3339),
			"permanent":     e.Permanent,
		}
		if !e.ExpiresAt.IsZero() {
			item["expiresAt"] = e.ExpiresAt.Format(time.RFC3339)
		}
		if e.Reason != nil {
			item["reason"] = gin.H{
				"code":     string(e.Reason.Code),
				"message":  e.Reason.Message,
				"category": string(e.Reason.Category),
			}
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"blacklist": out, "count": len(out)})
}

// unblacklist removes one pipeline from the blacklist; the coordinator's
// removal hook returns it to the pool.
func (s *Server) unblacklist(c *gin.Context) {
	pipelineID := c.Param("pipeline")
	if !s.center.IsBlacklisted(pipelineID) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "pipeline is not blacklisted"})
		return
	}
	s.center.Unblacklist(pipelineID)
	c.JSON(http.StatusOK, gin.H{"success": true, "pipelineId": pipelineID})
}

// listPool returns the selectable pool snapshot.
func (s *Server) listPool(c *gin.Context) {
	entries := s.coordinator.Candidates()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"pipelineId":        e.PipelineID,
			"instanceId":        e.InstanceID,
			"provider":          e.Provider,
			"model":             e.Model,
			"weight":            e.Weight,
			"status":            string(e.Status),
			"blacklisted":       e.Blacklisted,
			"activeConnections": e.ActiveConnections(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pool": out, "count": len(out)})
}

// listStreams reports streams currently in flight.
func (s *Server) listStreams(c *gin.Context) {
	active := streaming.ActiveStreams()
	out := make([]gin.H, 0, len(active))
	for _, sc := range active {
		out = append(out, gin.H{
			"id":            sc.ID,
			"startedAt":     sc.StartedAt.Format(time.RFC3339),
			"chunksEmitted": sc.ChunksEmitted,
			"status":        string(sc.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out, "count": len(out)})
}

// stats returns the error center's aggregated counters.
func (s *Server) stats(c *gin.Context) {
	st := s.center.GetStats()
	byCategory := make(map[string]int64, len(st.ByCategory))
	for k, v := range st.ByCategory {
		byCategory[string(k)] = v
	}
	byCode := make(map[string]int64, len(st.ByCode))
	for k, v := range st.ByCode {
		byCode[string(k)] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"totalErrors": st.Total,
		"byCategory":  byCategory,
		"byCode":      byCode,
		"blacklisted": st.Blacklisted,
	})
}
