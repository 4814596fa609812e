// Package httpapi exposes the execution core over HTTP.
package httpapi

import (
	"context"

	"runbox/internal/exec/execresult"
	"runbox/internal/exec/iopump"
	"runbox/internal/exec/service"
	"runbox/internal/httpapi/middleware"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ExecService is the execution surface the handlers call.
type ExecService interface {
	Execute(ctx context.Context, req service.ExecRequest) (execresult.ExecutionResult, error)
	ExecuteStream(ctx context.Context, req service.ExecRequest, obs iopump.Observer) (execresult.ExecutionResult, error)
	Languages() []string
}

// Handler serves the execution API.
type Handler struct {
	exec ExecService
}

// NewHandler creates the API handler.
func NewHandler(exec ExecService) *Handler {
	return &Handler{exec: exec}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(middleware.TraceContextMiddleware())
	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	v1.POST("/executions", h.CreateExecution)
	v1.GET("/executions/stream", h.StreamExecution)
	v1.GET("/languages", h.ListLanguages)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// ListLanguages returns the supported language ids.
func (h *Handler) ListLanguages(c *gin.Context) {
	response.Success(c, gin.H{"languages": h.exec.Languages()})
}

// CreateExecution runs one submission to completion and returns the result.
func (h *Handler) CreateExecution(c *gin.Context) {
	var req service.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := h.exec.Execute(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
