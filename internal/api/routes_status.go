package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/util"
)

// handlePing is an unauthenticated liveness probe.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": s.deps.Version,
	})
}

// handleStatus reports uptime, host information and relay load.
func (s *Server) handleStatus(c *gin.Context) {
	relay := s.deps.Config.GetRelay()

	body := gin.H{
		"version":        s.deps.Version,
		"started_at":     s.started.UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"listen":         relay.ListenAddr(),
		"upstream":       relay.UpstreamAddr(),
		"sessions":       s.deps.Sessions.SessionCount(),
		"system":         s.sysInfo,
		"resources":      util.GetResourceUsage(s.dataDir()),
	}
	if s.deps.Health != nil {
		body["health"] = s.deps.Health.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// dataDir is the directory whose disk usage is reported.
func (s *Server) dataDir() string {
	if s.deps.Config.Store.Driver == config.StoreSQLite && s.deps.Config.Store.SQLitePath != "" {
		return filepath.Dir(s.deps.Config.Store.SQLitePath)
	}
	return "."
}

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Config.Redacted())
}
