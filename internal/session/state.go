package session

import (
	"time"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/ble/protocol"
	"github.com/fixit/obdlink/internal/obd"
)

// State is the connection state observed by the UI.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType identifies what changed.
type EventType string

const (
	EventState      EventType = "state"
	EventPeripheral EventType = "peripheral"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
)

// Event is emitted on channels returned by Subscribe.
type Event struct {
	Type     EventType
	State    State
	Device   ble.Device            // peripheral found, or the connected device
	Raw      string                // message text as stored in history
	Message  obd.DiagnosticMessage // valid for EventMessage
	Repaired bool
	Err      string // user-facing text for EventError
	At       time.Time
}

// Stats groups the framing and decoding counters of the current link.
type Stats struct {
	Frame  protocol.Stats `json:"frame"`
	Decode obd.Stats      `json:"decode"`
}

// Snapshot is every facade field at one instant.
type Snapshot struct {
	Peripherals     []ble.Device   `json:"peripherals"`
	State           State          `json:"connection_state"`
	IsScanning      bool           `json:"is_scanning"`
	ScanAttempted   bool           `json:"scan_attempted"`
	TestMode        bool           `json:"test_mode"`
	PermissionError string         `json:"permission_error,omitempty"`
	Connected       *ble.Device    `json:"connected,omitempty"`
	LatestMessage   *obd.Formatted `json:"latest_message,omitempty"`
	HistoryLen      int            `json:"history_len"`
	Stats           Stats          `json:"stats"`
}
