package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/middleware"
	"github.com/codelift/workbench/internal/orchestrator"
)

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	orch *orchestrator.Orchestrator
}

func NewAdminHandler(orch *orchestrator.Orchestrator) *AdminHandler {
	return &AdminHandler{orch: orch}
}

// FleetStatus returns the fleet snapshot.
// GET /status
func (h *AdminHandler) FleetStatus(c *gin.Context) {
	status, err := h.orch.Status(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListEvents returns audit events matching the query filters.
// GET /admin/events?type=allocation.completed,workspace.reaped&user_id=...&instance_id=...&since=RFC3339&limit=100
func (h *AdminHandler) ListEvents(c *gin.Context) {
	filters := events.EventFilters{
		InstanceID: c.Query("instance_id"),
		UserID:     c.Query("user_id"),
		Limit:      100,
	}

	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filters.Types = append(filters.Types, events.EventType(t))
			}
		}
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "limit must be between 1 and 1000",
			})
			return
		}
		filters.Limit = limit
	}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "since must be RFC3339",
			})
			return
		}
		filters.StartTime = since
	}

	results, err := events.GetEventBus().Query(filters)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if results == nil {
		results = []events.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(results),
		"events": results,
	})
}
