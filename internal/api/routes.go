package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/playback"
	"github.com/tunecast-project/tunecast/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.Version,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":         s.backend.Status(),
		"plugin_running": s.plugin.Running(),
		"system":         s.sysInfo,
		"runtime":        util.GetRuntimeStats(),
	})
}

func (s *Server) handleConnections(c *gin.Context) {
	rows := s.backend.Connections()
	c.JSON(http.StatusOK, gin.H{
		"total":       len(rows),
		"connections": rows,
	})
}

// handleGetPlayback mirrors the plain read of the plugin port.
func (s *Server) handleGetPlayback(c *gin.Context) {
	var current *playback.Info
	if info, ok := s.backend.Current(); ok {
		current = &info
	}
	c.PureJSON(http.StatusOK, gin.H{"songInfo": current})
}

func (s *Server) handleTrack(c *gin.Context) {
	var info playback.Info
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if info.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title or artist is required"})
		return
	}

	if err := s.eventBus.EmitSync(c.Request.Context(), events.Event{
		Type:    events.EventTrackChanged,
		Source:  "api",
		Payload: info,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleElapsed(c *gin.Context) {
	var req struct {
		Seconds *float64 `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Seconds == nil || *req.Seconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seconds must be a non-negative number"})
		return
	}

	if err := s.eventBus.EmitSync(c.Request.Context(), events.Event{
		Type:    events.EventElapsedTime,
		Source:  "api",
		Payload: events.ElapsedPayload{Seconds: *req.Seconds},
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handlePluginToggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.plugin.SetEnabled(enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   err.Error(),
				"running": s.plugin.Running(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"enabled": enabled,
			"running": s.plugin.Running(),
			"server":  s.backend.Status(),
		})
	}
}
