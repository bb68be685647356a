package events

import (
	"github.com/codelift/workbench/pkg/logger"
)

// MultiEventStorage fans writes out to several backends and queries the
// first one that answers. A failing sink never blocks the others.
type MultiEventStorage struct {
	sinks []EventStorage
}

// NewMultiEventStorage creates a storage that writes to multiple backends
func NewMultiEventStorage(sinks ...EventStorage) *MultiEventStorage {
	return &MultiEventStorage{sinks: sinks}
}

// Store saves an event to all configured backends
func (s *MultiEventStorage) Store(event Event) error {
	var lastErr error
	for _, sink := range s.sinks {
		if err := sink.Store(event); err != nil {
			logger.Error("Failed to store event in backend", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
			lastErr = err
		}
	}
	return lastErr
}

// Query tries each backend in order until one succeeds
func (s *MultiEventStorage) Query(filters EventFilters) ([]Event, error) {
	if len(s.sinks) == 0 {
		return nil, nil
	}

	var lastErr error
	for i, sink := range s.sinks {
		result, err := sink.Query(filters)
		if err == nil {
			return result, nil
		}
		logger.Warn("Failed to query events from backend", map[string]interface{}{
			"backend_index": i,
			"error":         err.Error(),
		})
		lastErr = err
	}
	return nil, lastErr
}
