package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Periodic snapshot of every press
	MessageTypePressStatus MessageType = "press_status"

	// Lifecycle transition of one press
	MessageTypePressState MessageType = "press_state"

	// Bus quality report
	MessageTypeBusQuality MessageType = "bus_quality"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PressStateData represents a press lifecycle transition
type PressStateData struct {
	PressID  int    `json:"press_id"`
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewPressStateMessage(pressID int, state, previous string) Message {
	return NewMessage(MessageTypePressState, PressStateData{
		PressID:  pressID,
		State:    state,
		Previous: previous,
	})
}
