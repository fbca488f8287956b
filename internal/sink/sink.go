// Package sink forwards decoded readings from a session to outputs other
// than the UI: an MQTT broker and a local sqlite journal.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/fixit/obdlink/internal/obd"
	"github.com/fixit/obdlink/internal/session"
)

// Reading is one decoded message with the device it came from.
type Reading struct {
	obd.Formatted
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Repaired   bool      `json:"repaired"`
	At         time.Time `json:"at"`
}

// Sink receives readings.
type Sink interface {
	Publish(ctx context.Context, r Reading) error
	Close() error
}

// FromEvent converts a message event into a Reading. ok is false for any
// other event type.
func FromEvent(ev session.Event) (r Reading, ok bool) {
	if ev.Type != session.EventMessage {
		return Reading{}, false
	}
	return Reading{
		Formatted:  obd.Format(ev.Message),
		DeviceID:   ev.Device.ID,
		DeviceName: ev.Device.Name,
		Repaired:   ev.Repaired,
		At:         ev.At,
	}, true
}

// Forward publishes every reading from events to each sink until ctx is
// done or events is closed. A failing sink is logged and does not stop the
// others.
func Forward(ctx context.Context, events <-chan session.Event, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r, ok := FromEvent(ev)
			if !ok {
				continue
			}
			for _, s := range sinks {
				if err := s.Publish(ctx, r); err != nil {
					slog.Warn("[SINK] publish failed", "sink", sinkName(s), "device", r.DeviceID, "error", err)
				}
			}
		}
	}
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *MQTT:
		return "mqtt"
	case *Journal:
		return "journal"
	}
	return "custom"
}
