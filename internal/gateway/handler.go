package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/orchestration"
)

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	manager *orchestration.Manager
	checks  []ReadinessCheck
}

// NewHandler creates a new gateway handler
func NewHandler(manager *orchestration.Manager, checks ...ReadinessCheck) *Handler {
	return &Handler{
		manager: manager,
		checks:  checks,
	}
}

// Health godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready godoc
// @Summary Readiness probe
// @Description Checks every configured backing service
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			log.Printf(`{"level":"warn","message":"Readiness check failed","check":"%s","error":"%v"}`, check.Name, err)
			failed[check.Name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sessions": h.manager.Count()})
}

// GetSession godoc
// @Summary Get session
// @Description Returns the transcript, current graph and turn state of a session
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} orchestration.Snapshot
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{session_id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.manager.Get(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

// DeleteSession godoc
// @Summary Delete session
// @Description Cancels any in-flight turn, closes the attached connection and forgets the session
// @Tags sessions
// @Param session_id path string true "Session ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{session_id} [delete]
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.Destroy(c.Param("session_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetNodeDetail godoc
// @Summary Get node detail
// @Description Returns the filled configuration values of one node
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Param node_id path string true "Node ID"
// @Success 200 {object} models.NodeDetail
// @Failure 404 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /sessions/{session_id}/nodes/{node_id} [get]
func (h *Handler) GetNodeDetail(c *gin.Context) {
	session, err := h.manager.Get(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	detail, err := session.NodeDetail(c.Request.Context(), c.Param("node_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Session not found", Code: models.ErrCodeSessionNotFound})
	case errors.Is(err, models.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Node not found", Code: models.ErrCodeNodeNotFound})
	default:
		log.Printf(`{"level":"error","message":"Request failed","path":"%s","error":"%v"}`, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal error", Code: models.ErrCodeInternalError})
	}
}

// RegisterRoutes mounts the probes, the REST session API and the session socket
func RegisterRoutes(router *gin.Engine, h *Handler, ws *SessionSocket) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/sessions/:session_id", h.GetSession)
	api.DELETE("/sessions/:session_id", h.DeleteSession)
	api.GET("/sessions/:session_id/nodes/:node_id", h.GetNodeDetail)
	api.GET("/ws/sessions/:session_id", ws.Stream)
}
