// Package adminserver exposes the gateway's operational surface:
// health check, Prometheus metrics, and per-session status lookup.
// This is a supplemented feature, not named by the wire protocol
// itself — grounded on cmd/server/main.go's gin.Default()+route-group
// wiring style.
package adminserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// Server is the admin/status HTTP surface, separate from the
// websocket upgrade endpoint the client transport listens on.
type Server struct {
	router   *gin.Engine
	registry *session.Registry
	logger   *logger.Logger
}

// New builds the admin router. jwksURL configures bearer validation
// for the session-snapshot routes (empty runs the validator in
// development mode, per NewJWKSValidator); Call Handler to obtain an
// http.Handler for use in an *http.Server, matching cmd/server/main.go's
// pattern of constructing the router separately from the server it's
// mounted on.
func New(registry *session.Registry, log *logger.Logger, jwksURL string) *Server {
	s := &Server{
		router:   gin.New(),
		registry: registry,
		logger:   log.WithComponent("admin-server"),
	}
	s.router.Use(gin.Recovery())

	validator, err := NewJWKSValidator(jwksURL)
	if err != nil {
		s.logger.Error("admin JWKS validator unavailable, falling back to development mode", "error", err.Error())
		validator, _ = NewJWKSValidator("")
	}
	s.routes(validator)
	return s
}

func (s *Server) routes(validator TokenValidator) {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(requireBearer(validator))
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.GET("/sessions", s.handleRegistryMetrics)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":               sess.ID,
		"status":           sess.Status,
		"questionnaire_id": sess.QuestionnaireID,
		"language":         sess.Language,
		"voice_id":         sess.VoiceID,
		"started_at":       sess.StartedAt,
		"last_activity_at": sess.LastActivityAt,
		"turn_count":       len(sess.History),
	})
}

func (s *Server) handleRegistryMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetMetrics())
}
