package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelift/workbench/internal/middleware"
	"github.com/codelift/workbench/internal/orchestrator"
)

// MachineHandler serves the user-facing workspace endpoints.
type MachineHandler struct {
	orch *orchestrator.Orchestrator
}

func NewMachineHandler(orch *orchestrator.Orchestrator) *MachineHandler {
	return &MachineHandler{orch: orch}
}

// Allocate binds the authenticated user to a workspace instance.
// POST /machines/allocate
func (h *MachineHandler) Allocate(c *gin.Context) {
	userID := middleware.GetUserID(c)

	result, err := h.orch.Allocator.Allocate(c.Request.Context(), userID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Status returns the authenticated user's workspace record.
// GET /machines/status
func (h *MachineHandler) Status(c *gin.Context) {
	userID := middleware.GetUserID(c)

	record, err := h.orch.WorkspaceStatus(c.Request.Context(), userID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	response := gin.H{
		"instanceId": record.InstanceID,
		"publicUrl":  record.PublicEndpoint,
		"state":      record.State,
		"lastSeen":   record.LastSeen,
	}
	if record.CustomDomain != "" {
		response["customDomain"] = record.CustomDomain
	}
	c.JSON(http.StatusOK, response)
}

// Ping advances the liveness timestamp for the user owning an instance.
// POST /ping
// Body: {"instanceId": "i-..."}
func (h *MachineHandler) Ping(c *gin.Context) {
	var request struct {
		InstanceID string `json:"instanceId" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
			Status:  "error",
			Message: "instanceId is required",
		})
		return
	}

	timestamp, err := h.orch.Ping(c.Request.Context(), request.InstanceID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"timestamp": timestamp,
	})
}
