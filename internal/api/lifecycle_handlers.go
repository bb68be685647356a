package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelift/workbench/internal/orchestrator"
	"github.com/codelift/workbench/pkg/logger"
)

// lifecycleEnvelope is the ASG notification payload, either raw or wrapped
// in an SNS envelope whose Message field carries the same JSON as a string.
type lifecycleEnvelope struct {
	Type    string `json:"Type,omitempty"`
	Message string `json:"Message,omitempty"`

	Event                string `json:"Event,omitempty"`
	EC2InstanceID        string `json:"EC2InstanceId,omitempty"`
	AutoScalingGroupName string `json:"AutoScalingGroupName,omitempty"`
}

// LifecycleWebhookHandler ingests ASG lifecycle notifications.
type LifecycleWebhookHandler struct {
	orch  *orchestrator.Orchestrator
	token string
}

func NewLifecycleWebhookHandler(orch *orchestrator.Orchestrator, token string) *LifecycleWebhookHandler {
	return &LifecycleWebhookHandler{
		orch:  orch,
		token: token,
	}
}

// HandleLifecycle handles POST /webhook/lifecycle.
// The acknowledgement returns before any readiness polling completes so the
// provider's retry timer never expires on a slow boot.
func (h *LifecycleWebhookHandler) HandleLifecycle(c *gin.Context) {
	if h.token != "" && !h.validToken(c) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  "error",
			"message": "Invalid webhook token",
		})
		return
	}

	var envelope lifecycleEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Malformed event payload",
		})
		return
	}

	// SNS wraps the notification JSON as a string in Message.
	if envelope.Type == "Notification" && envelope.Message != "" {
		var inner lifecycleEnvelope
		if err := json.Unmarshal([]byte(envelope.Message), &inner); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "Malformed SNS message body",
			})
			return
		}
		envelope = inner
	}

	if envelope.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Missing event name",
		})
		return
	}

	switch envelope.Event {
	case orchestrator.EventInstanceLaunch, orchestrator.EventInstanceTerminate:
		if envelope.EC2InstanceID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "Missing EC2InstanceId",
			})
			return
		}
	default:
		// Subscription tests and unrecognized events are acked so the
		// provider does not redeliver them.
		logger.Debug("LIFECYCLE: Ignoring event", map[string]interface{}{
			"event": envelope.Event,
		})
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	h.orch.DispatchLifecycleEvent(envelope.Event, envelope.EC2InstanceID)

	logger.Info("LIFECYCLE: Event accepted", map[string]interface{}{
		"event":       envelope.Event,
		"instance_id": envelope.EC2InstanceID,
		"asg":         envelope.AutoScalingGroupName,
	})

	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"event":      envelope.Event,
		"instanceId": envelope.EC2InstanceID,
	})
}

func (h *LifecycleWebhookHandler) validToken(c *gin.Context) bool {
	presented := c.GetHeader("X-Webhook-Token")
	if presented == "" {
		presented = c.Query("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}
