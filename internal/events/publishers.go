package events

// PublishAllocationCompleted publishes a successful workspace bind
func PublishAllocationCompleted(userID, instanceID, publicEndpoint string, reused bool) {
	GetEventBus().Publish(Event{
		Type:       EventAllocationCompleted,
		Source:     "allocator",
		InstanceID: instanceID,
		UserID:     userID,
		Data: map[string]interface{}{
			"public_endpoint": publicEndpoint,
			"reused":          reused,
		},
	})
}

// PublishAllocationFailed publishes a failed allocation with its error kind
func PublishAllocationFailed(userID, instanceID, errorKind, message string) {
	GetEventBus().Publish(Event{
		Type:       EventAllocationFailed,
		Source:     "allocator",
		InstanceID: instanceID,
		UserID:     userID,
		Data: map[string]interface{}{
			"error_kind": errorKind,
			"message":    message,
		},
	})
}

// PublishAllocationConflict publishes a lost same-user allocation race
func PublishAllocationConflict(userID, releasedInstanceID string) {
	GetEventBus().Publish(Event{
		Type:       EventAllocationConflict,
		Source:     "allocator",
		InstanceID: releasedInstanceID,
		UserID:     userID,
		Data:       map[string]interface{}{},
	})
}

// PublishInstancePooled publishes a warm pool insertion after readiness
func PublishInstancePooled(instanceID, publicEndpoint string, attempts int) {
	GetEventBus().Publish(Event{
		Type:       EventInstancePooled,
		Source:     "lifecycle_reactor",
		InstanceID: instanceID,
		Data: map[string]interface{}{
			"public_endpoint": publicEndpoint,
			"attempts":        attempts,
		},
	})
}

// PublishReadinessTimeout publishes a launch that never became ready
func PublishReadinessTimeout(instanceID string, attempts int) {
	GetEventBus().Publish(Event{
		Type:       EventReadinessTimeout,
		Source:     "lifecycle_reactor",
		InstanceID: instanceID,
		Data: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

// PublishInstanceTerminated publishes a terminate-event cleanup
func PublishInstanceTerminated(instanceID, userID string) {
	GetEventBus().Publish(Event{
		Type:       EventInstanceTerminated,
		Source:     "lifecycle_reactor",
		InstanceID: instanceID,
		UserID:     userID,
		Data:       map[string]interface{}{},
	})
}

// PublishWorkspaceReaped publishes an idle workspace termination
func PublishWorkspaceReaped(userID, instanceID string, idleMs int64) {
	GetEventBus().Publish(Event{
		Type:       EventWorkspaceReaped,
		Source:     "reaper",
		InstanceID: instanceID,
		UserID:     userID,
		Data: map[string]interface{}{
			"idle_ms": idleMs,
		},
	})
}

// PublishCapacityChanged publishes a desired-capacity move
func PublishCapacityChanged(from, to int32, activeUsers, warmSpares int64) {
	GetEventBus().Publish(Event{
		Type:   EventCapacityChanged,
		Source: "capacity_controller",
		Data: map[string]interface{}{
			"from":         from,
			"to":           to,
			"active_users": activeUsers,
			"warm_spares":  warmSpares,
		},
	})
}

// PublishPoolRepaired publishes a reconciler repair action
func PublishPoolRepaired(instanceID, action, reason string) {
	GetEventBus().Publish(Event{
		Type:       EventPoolRepaired,
		Source:     "pool_reconciler",
		InstanceID: instanceID,
		Data: map[string]interface{}{
			"action": action,
			"reason": reason,
		},
	})
}
