package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nuid"
)

// EventDataVersion is the current envelope payload version.
const EventDataVersion = "1"

// EventTypeDeviceCommand is the event type used for device control requests.
const EventTypeDeviceCommand = "device_command"

// Envelope is the canonical wire format for every message published by the
// platform. AckSubject is set on requests that expect a reply so the remote
// side knows where to answer.
type Envelope struct {
	EventType   string          `json:"event_type"`
	EventID     string          `json:"event_id"`
	Source      string          `json:"source"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Timestamp   string          `json:"timestamp"`
	DataVersion string          `json:"data_version"`
	Data        json.RawMessage `json:"data"`
	AckSubject  string          `json:"ack_subject,omitempty"`
}

// NewEnvelope builds an envelope with a fresh event id and the current time.
func NewEnvelope(eventType, entityType, entityID, source string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventType:   eventType,
		EventID:     nuid.Next(),
		Source:      source,
		EntityType:  entityType,
		EntityID:    entityID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		DataVersion: EventDataVersion,
		Data:        raw,
	}, nil
}

// SubjectFor returns the request subject for an entity and event type,
// shaped <stream>.<entity_id>.<event_type>.
func SubjectFor(stream, entityID, eventType string) string {
	return stream + "." + entityID + "." + eventType
}

// AckSubjectFor returns the reply subject paired with SubjectFor.
func AckSubjectFor(stream, entityID, eventType string) string {
	return SubjectFor(stream, entityID, eventType) + ".ack"
}
