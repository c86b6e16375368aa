package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/store"
)

// handleListSessions returns every live session.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.deps.Sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleCloseSession forces a session down.
func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sessions.CloseSession(id); err != nil {
		if errors.Is(err, network.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("session", id).Str("client_ip", c.ClientIP()).Msg("session closed via API")
	c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
}

// handleMarkPlay switches a session's packet inspection to the Play state.
func (s *Server) handleMarkPlay(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sessions.MarkPlay(id); err != nil {
		if errors.Is(err, network.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "play", "id": id})
}

// handleRecentLogins returns the newest recorded logins.
func (s *Server) handleRecentLogins(c *gin.Context) {
	limit := s.deps.Config.Store.RecentLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	logins, err := s.deps.Recorder.RecentLogins(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load recent logins")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load logins"})
		return
	}
	if logins == nil {
		logins = []store.LoginRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"logins": logins,
		"total":  len(logins),
	})
}
