package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Session event types
const (
	EventReadingAppended  = "reading_appended"
	EventSummaryGenerated = "summary_generated"
)

// Publisher sends a message on a named channel. RedisService satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// SessionEvent is broadcast to other instances and dashboards when a session changes
type SessionEvent struct {
	Type       string                 `json:"type"`
	MachineID  string                 `json:"machineId"`
	Day        string                 `json:"day"`
	InstanceID string                 `json:"instanceId"` // Source instance ID
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// SessionEventPublisher publishes session events on per-machine channels
type SessionEventPublisher struct {
	publisher  Publisher
	instanceID string
}

// NewSessionEventPublisher creates a publisher tagged with this instance's ID
func NewSessionEventPublisher(publisher Publisher, instanceID string) *SessionEventPublisher {
	return &SessionEventPublisher{
		publisher:  publisher,
		instanceID: instanceID,
	}
}

// MachineEventsChannel returns the channel carrying a machine's session events
func MachineEventsChannel(machineID string) string {
	return fmt.Sprintf("machine:%s:events", machineID)
}

// Publish sends an event for the given session
func (p *SessionEventPublisher) Publish(ctx context.Context, eventType, machineID, day string, payload map[string]interface{}) error {
	if p == nil || p.publisher == nil {
		return nil
	}

	event := SessionEvent{
		Type:       eventType,
		MachineID:  machineID,
		Day:        day,
		InstanceID: p.instanceID,
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	if err := p.publisher.Publish(ctx, MachineEventsChannel(machineID), data); err != nil {
		log.Printf("⚠️ [EVENTS] Failed to publish %s for %s/%s: %v", eventType, machineID, day, err)
		return fmt.Errorf("failed to publish session event: %w", err)
	}

	return nil
}
