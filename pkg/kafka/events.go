package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// Event represents a generic Kafka event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// DecodeEvent parses an event from a raw Kafka message value.
func DecodeEvent(value []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return event, nil
}

// ToMachineEvent converts a generic event into a machine lifecycle event.
func (e Event) ToMachineEvent() (models.MachineEvent, error) {
	machineUUID, _ := e.Data["machine_uuid"].(string)
	if machineUUID == "" {
		return models.MachineEvent{}, fmt.Errorf("machine event %s: missing machine_uuid", e.ID)
	}

	event := models.MachineEvent{
		Type:        models.MachineEventType(e.Type),
		MachineUUID: machineUUID,
		Timestamp:   e.Timestamp,
	}
	if name, ok := e.Data["name"].(string); ok {
		event.Name = name
	}
	if errMsg, ok := e.Data["error"].(string); ok {
		event.Error = errMsg
	}
	if raw, ok := e.Data["linked_users"].([]interface{}); ok {
		users := make([]string, 0, len(raw))
		for _, u := range raw {
			if s, ok := u.(string); ok {
				users = append(users, s)
			}
		}
		event.LinkedUsers = users
	}
	return event, nil
}

// EventFromMachine wraps a machine lifecycle event for publishing.
func EventFromMachine(id, source string, event models.MachineEvent) Event {
	data := map[string]interface{}{
		"machine_uuid": event.MachineUUID,
	}
	if event.Name != "" {
		data["name"] = event.Name
	}
	if event.Error != "" {
		data["error"] = event.Error
	}
	if len(event.LinkedUsers) > 0 {
		users := make([]interface{}, len(event.LinkedUsers))
		for i, u := range event.LinkedUsers {
			users[i] = u
		}
		data["linked_users"] = users
	}

	return Event{
		ID:        id,
		Type:      string(event.Type),
		Source:    source,
		Data:      data,
		Timestamp: event.Timestamp,
	}
}

// EventHandler interface for handling Kafka events
type EventHandler interface {
	HandleEvent(event Event) error
}

// ConsumerInterface defines the interface for Kafka consumers
type ConsumerInterface interface {
	Start(ctx context.Context) error
	Close() error
	HealthCheck() error
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	Close() error
	HealthCheck() error
}
