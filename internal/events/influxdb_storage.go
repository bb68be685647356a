package events

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/codelift/workbench/pkg/logger"
)

// InfluxDBConfig holds InfluxDB connection configuration
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxDBEventStorage stores events in InfluxDB for time-series analytics
type InfluxDBEventStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
}

// NewInfluxDBEventStorage connects to InfluxDB and verifies its health
func NewInfluxDBEventStorage(config InfluxDBConfig) (*InfluxDBEventStorage, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	logger.Info("InfluxDB event storage connected", map[string]interface{}{
		"url":    config.URL,
		"org":    config.Org,
		"bucket": config.Bucket,
	})

	return &InfluxDBEventStorage{
		client:   client,
		writeAPI: client.WriteAPI(config.Org, config.Bucket),
		queryAPI: client.QueryAPI(config.Org),
		bucket:   config.Bucket,
	}, nil
}

// Store writes an event as a time-series point. Writes are batched and
// non-blocking.
func (s *InfluxDBEventStorage) Store(event Event) error {
	fields := event.Data
	if len(fields) == 0 {
		// Line protocol rejects points without fields.
		fields = map[string]interface{}{"count": 1}
	}
	p := influxdb2.NewPoint(
		"orchestrator_event",
		map[string]string{
			"event_id":    event.ID,
			"event_type":  string(event.Type),
			"source":      event.Source,
			"instance_id": event.InstanceID,
			"user_id":     event.UserID,
		},
		fields,
		event.Timestamp,
	)
	s.writeAPI.WritePoint(p)
	return nil
}

// Query retrieves events from InfluxDB based on filters
func (s *InfluxDBEventStorage) Query(filters EventFilters) ([]Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.queryAPI.Query(ctx, s.buildFluxQuery(filters))
	if err != nil {
		return nil, fmt.Errorf("failed to query InfluxDB: %w", err)
	}

	var list []Event
	for result.Next() {
		record := result.Record()
		event := Event{
			ID:         stringValue(record.ValueByKey("event_id")),
			Type:       EventType(stringValue(record.ValueByKey("event_type"))),
			Timestamp:  record.Time(),
			Source:     stringValue(record.ValueByKey("source")),
			InstanceID: stringValue(record.ValueByKey("instance_id")),
			UserID:     stringValue(record.ValueByKey("user_id")),
			Data:       make(map[string]interface{}),
		}
		for k, v := range record.Values() {
			switch k {
			case "_time", "_measurement", "event_id", "event_type", "source", "instance_id", "user_id":
			default:
				event.Data[k] = v
			}
		}
		list = append(list, event)

		if filters.Limit > 0 && len(list) >= filters.Limit {
			break
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	return list, nil
}

func (s *InfluxDBEventStorage) buildFluxQuery(filters EventFilters) string {
	query := fmt.Sprintf(`from(bucket: "%s")`, s.bucket)

	if !filters.StartTime.IsZero() {
		query += fmt.Sprintf(`
  |> range(start: %s`, filters.StartTime.Format(time.RFC3339))
		if !filters.EndTime.IsZero() {
			query += fmt.Sprintf(`, stop: %s`, filters.EndTime.Format(time.RFC3339))
		}
		query += ")"
	} else {
		query += `
  |> range(start: -24h)`
	}

	query += `
  |> filter(fn: (r) => r._measurement == "orchestrator_event")`

	if len(filters.Types) > 0 {
		query += `
  |> filter(fn: (r) => `
		for i, eventType := range filters.Types {
			if i > 0 {
				query += " or "
			}
			query += fmt.Sprintf(`r.event_type == "%s"`, eventType)
		}
		query += ")"
	}
	if filters.InstanceID != "" {
		query += fmt.Sprintf(`
  |> filter(fn: (r) => r.instance_id == "%s")`, filters.InstanceID)
	}
	if filters.UserID != "" {
		query += fmt.Sprintf(`
  |> filter(fn: (r) => r.user_id == "%s")`, filters.UserID)
	}

	query += `
  |> sort(columns: ["_time"], desc: true)`
	if filters.Limit > 0 {
		query += fmt.Sprintf(`
  |> limit(n: %d)`, filters.Limit)
	}
	return query
}

// Close flushes pending writes and shuts the client down
func (s *InfluxDBEventStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
	logger.Info("InfluxDB event storage closed", nil)
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
