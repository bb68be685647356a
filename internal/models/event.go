package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrchestratorEvent is the audit row for one orchestrator event
type OrchestratorEvent struct {
	gorm.Model
	EventID    string         `gorm:"uniqueIndex;size:255" json:"event_id"`
	Type       string         `gorm:"index;size:100" json:"type"`
	Timestamp  time.Time      `gorm:"index" json:"timestamp"`
	Source     string         `gorm:"size:100" json:"source"`
	InstanceID string         `gorm:"index;size:255" json:"instance_id,omitempty"`
	UserID     string         `gorm:"index;size:255" json:"user_id,omitempty"`
	Data       datatypes.JSON `gorm:"type:jsonb" json:"data"`
}

// TableName overrides the table name
func (OrchestratorEvent) TableName() string {
	return "orchestrator_events"
}
