package events

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/codelift/workbench/internal/models"
	"github.com/codelift/workbench/pkg/logger"
)

// DatabaseEventStorage stores events in PostgreSQL
type DatabaseEventStorage struct {
	db *gorm.DB
}

// NewDatabaseEventStorage connects to PostgreSQL and migrates the audit
// table. The audit sink is optional; callers decide what a connect failure
// means for the process.
func NewDatabaseEventStorage(databaseURL string, debug bool) (*DatabaseEventStorage, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if debug {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(postgres.Open(databaseURL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.AutoMigrate(&models.OrchestratorEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate event table: %w", err)
	}

	logger.Info("Event audit storage connected", nil)
	return &DatabaseEventStorage{db: db}, nil
}

// Store saves an event to the database
func (s *DatabaseEventStorage) Store(event Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	row := &models.OrchestratorEvent{
		EventID:    event.ID,
		Type:       string(event.Type),
		Timestamp:  event.Timestamp,
		Source:     event.Source,
		InstanceID: event.InstanceID,
		UserID:     event.UserID,
		Data:       datatypes.JSON(dataJSON),
	}
	return s.db.Create(row).Error
}

// Query retrieves events based on filters, newest first
func (s *DatabaseEventStorage) Query(filters EventFilters) ([]Event, error) {
	query := s.db.Model(&models.OrchestratorEvent{})

	if len(filters.Types) > 0 {
		types := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			types[i] = string(t)
		}
		query = query.Where("type IN ?", types)
	}
	if filters.InstanceID != "" {
		query = query.Where("instance_id = ?", filters.InstanceID)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if !filters.StartTime.IsZero() {
		query = query.Where("timestamp >= ?", filters.StartTime)
	}
	if !filters.EndTime.IsZero() {
		query = query.Where("timestamp <= ?", filters.EndTime)
	}

	query = query.Order("timestamp DESC")
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(1000)
	}

	var rows []models.OrchestratorEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]Event, len(rows))
	for i, row := range rows {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			data = make(map[string]interface{})
		}
		result[i] = Event{
			ID:         row.EventID,
			Type:       EventType(row.Type),
			Timestamp:  row.Timestamp,
			Source:     row.Source,
			InstanceID: row.InstanceID,
			UserID:     row.UserID,
			Data:       data,
		}
	}
	return result, nil
}
