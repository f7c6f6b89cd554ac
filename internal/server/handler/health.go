package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freetalk/internal/health"
)

// HealthReporter returns the latest health report.
type HealthReporter interface {
	Report() health.Report
}

// HealthHandler serves the health report.
type HealthHandler struct {
	reporter HealthReporter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(reporter HealthReporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

// Register mounts the health route.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Get)
}

// Get handles GET /healthz. It answers 503 while degraded and 200 otherwise.
func (h *HealthHandler) Get(c *gin.Context) {
	r := h.reporter.Report()
	code := http.StatusOK
	if r.Status == health.StatusDegraded {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, r)
}
