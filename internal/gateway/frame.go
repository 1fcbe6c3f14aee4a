package gateway

import "encoding/json"

// Event names on the session wire.
const (
	EventNotification      = "notification"
	EventNotFound          = "404"
	EventError             = "error"
	EventAck               = "ack"
	EventTest              = "test"
	EventNotificationReply = "notification_reply"
	EventNotificationRead  = "notification_read"
)

// Frame is one JSON message on a session connection, in either direction.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the callback body answering an inbound event.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return b
}
