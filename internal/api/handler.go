// Package api exposes the introspection service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/introspect"
	"github.com/kneutral-org/jobguard/internal/leasestore"
)

const maxHistoryLimit = 100

// Monitor is the read surface the handlers need.
type Monitor interface {
	Leases(ctx context.Context) ([]introspect.LeaseInfo, error)
	Histories(ctx context.Context, limit int) ([]introspect.History, error)
	KeyInventory(ctx context.Context) (introspect.KeyInventory, error)
	Liveness(ctx context.Context) introspect.Liveness
	TaskDetails(ctx context.Context, nameOrAlias string, limit int) (introspect.TaskDetails, error)
	Clear(ctx context.Context, jobNames ...string) (int, error)
}

// Handler serves the monitoring endpoints.
type Handler struct {
	monitor    Monitor
	instanceID string
	logger     zerolog.Logger
}

// NewHandler creates a monitoring handler.
func NewHandler(monitor Monitor, instanceID string, logger zerolog.Logger) *Handler {
	return &Handler{
		monitor:    monitor,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers the monitoring routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	monitor := router.Group("/monitor")
	monitor.GET("/executions", h.Executions)
	monitor.GET("/locks", h.Locks)
	monitor.GET("/keys", h.Keys)
	monitor.GET("/task", h.Task)
	monitor.GET("/health", h.Health)
	monitor.POST("/clear", h.Clear)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ExecutionsResponse lists the recent executions of every job.
type ExecutionsResponse struct {
	InstanceID string               `json:"instanceId"`
	Jobs       []introspect.History `json:"jobs"`
}

// LocksResponse lists held leases.
type LocksResponse struct {
	InstanceID string                 `json:"instanceId"`
	Count      int                    `json:"count"`
	Locks      []introspect.LeaseInfo `json:"locks"`
}

// ClearResponse reports how many journals were deleted.
type ClearResponse struct {
	ClearedKeys int      `json:"clearedKeys"`
	Jobs        []string `json:"jobs,omitempty"`
}

// Executions handles GET /monitor/executions.
func (h *Handler) Executions(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}

	histories, err := h.monitor.Histories(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err, "failed to read execution history")
		return
	}
	c.JSON(http.StatusOK, ExecutionsResponse{InstanceID: h.instanceID, Jobs: histories})
}

// Locks handles GET /monitor/locks.
func (h *Handler) Locks(c *gin.Context) {
	leases, err := h.monitor.Leases(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list locks")
		return
	}
	c.JSON(http.StatusOK, LocksResponse{InstanceID: h.instanceID, Count: len(leases), Locks: leases})
}

// Keys handles GET /monitor/keys.
func (h *Handler) Keys(c *gin.Context) {
	inv, err := h.monitor.KeyInventory(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list keys")
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Task handles GET /monitor/task?taskName=.
func (h *Handler) Task(c *gin.Context) {
	name := strings.TrimSpace(c.Query("taskName"))
	if name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: "taskName is required",
		})
		return
	}

	limit, ok := h.limit(c)
	if !ok {
		return
	}

	details, err := h.monitor.TaskDetails(c.Request.Context(), name, limit)
	if err != nil {
		h.fail(c, err, "failed to read task details")
		return
	}
	c.JSON(http.StatusOK, details)
}

// Health handles GET /monitor/health. An unreachable store answers 503.
func (h *Handler) Health(c *gin.Context) {
	result := h.monitor.Liveness(c.Request.Context())
	status := http.StatusOK
	if !result.StoreReachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

// Clear handles POST /monitor/clear with an optional taskName.
func (h *Handler) Clear(c *gin.Context) {
	var jobs []string
	if name := strings.TrimSpace(c.Query("taskName")); name != "" {
		jobs = append(jobs, name)
	}

	cleared, err := h.monitor.Clear(c.Request.Context(), jobs...)
	if err != nil {
		h.fail(c, err, "failed to clear execution history")
		return
	}

	h.logger.Info().
		Strs("jobs", jobs).
		Int("cleared", cleared).
		Str("clientIp", c.ClientIP()).
		Msg("execution history cleared over API")
	c.JSON(http.StatusOK, ClearResponse{ClearedKeys: cleared, Jobs: jobs})
}

func (h *Handler) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return introspect.DefaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: "limit must be between 1 and " + strconv.Itoa(maxHistoryLimit),
		})
		return 0, false
	}
	return limit, true
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	_ = c.Error(err)
	if errors.Is(err, leasestore.ErrUnavailable) {
		h.logger.Warn().Err(err).Msg(msg)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "store_unavailable",
			Message: msg,
		})
		return
	}
	h.logger.Error().Err(err).Msg(msg)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: msg,
	})
}
