// Package statusapi exposes a read-only JSON mirror of the MIB keys
// (spec.md §6: SUMMARY, per-recorder OBSSTATUS/QUEUE_*/ACTIVE_* keys) over
// HTTP, optionally gated by HTTP Basic Auth checked against a bcrypt
// hash. Grounded on the teacher's internal/server/server.go gin router
// and internal/server/auth.go's bcrypt check, simplified from the
// teacher's cookie-session HTML login down to stateless Basic Auth since
// this surface is read-only and carries no dashboard of its own —
// enrichment beyond spec.md's required surface, never able to mutate
// Supervisor state.
package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RecorderStatus is the per-recorder MIB snapshot served under
// /status/recorders/:name.
type RecorderStatus struct {
	QueueSize       int    `json:"queue_size"`
	QueueState      string `json:"queue_state"`
	ObsStatus       bool   `json:"obs_status_busy"`
	ActiveID        string `json:"active_id"`
	ActiveStatus    string `json:"active_status"`
	ActiveBytes     string `json:"active_bytes"`
	ActiveProgress  string `json:"active_progress"`
	ActiveSpeed     string `json:"active_speed"`
	ActiveRemaining string `json:"active_remaining"`
}

// Source is the narrow read-only view the Supervisor provides; kept
// separate from internal/supervisor to avoid a dependency cycle (the
// Supervisor instead depends on this package).
type Source interface {
	GlobalStatus() string
	Recorders() []string
	RecorderStatus(name string) (RecorderStatus, bool)
}

// Config controls the optional Basic Auth gate.
type Config struct {
	ListenAddr   string
	PasswordHash string // bcrypt hash; empty disables auth entirely
}

// New builds the gin engine and returns it as an http.Handler; wrap it in
// an *http.Server to serve it with graceful shutdown.
func New(cfg Config, src Source) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-store")
		c.Next()
	})
	if cfg.PasswordHash != "" {
		r.Use(basicAuth(cfg.PasswordHash))
	}

	r.GET("/status/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    src.GlobalStatus(),
			"recorders": src.Recorders(),
		})
	})

	r.GET("/status/recorders/:name", func(c *gin.Context) {
		name := c.Param("name")
		status, ok := src.RecorderStatus(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown recorder"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	return r
}

// basicAuth checks the request's Basic Auth password against hash,
// ignoring the username (the service has exactly one operator role).
func basicAuth(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, password, ok := c.Request.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="smartcopy"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
