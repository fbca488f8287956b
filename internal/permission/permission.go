// Package permission decides whether BLE scanning may start: runtime
// permission grants on platforms that have them, and radio state where the
// host stack can report it. Failures are results, not errors.
package permission

import (
	"context"
	"errors"
	"strings"
)

// Reason classifies why BLE access is unavailable.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonDenied       Reason = "denied"
	ReasonBluetoothOff Reason = "bluetooth-off"
	ReasonLocationOff  Reason = "location-off"
	ReasonUnknown      Reason = "unknown"
)

// Message returns the user-facing text for r.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonDenied:
		return "Bluetooth permission denied. Please grant Bluetooth and location permissions in Settings."
	case ReasonBluetoothOff:
		return "Bluetooth is turned off. Please enable Bluetooth and try again."
	case ReasonLocationOff:
		return "Location services are disabled. Please enable location services to scan for devices."
	default:
		return "Unable to access Bluetooth. Please check your device settings and try again."
	}
}

// Classify maps a transport or discovery error onto a Reason by inspecting
// its message. A nil error is ReasonNone.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "location"):
		return ReasonLocationOff
	case strings.Contains(msg, "permission"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "not authorized"), strings.Contains(msg, "denied"):
		return ReasonDenied
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "poweredoff"),
		strings.Contains(msg, "not powered"), strings.Contains(msg, "bluetooth is off"),
		strings.Contains(msg, "disabled"), strings.Contains(msg, "turned off"):
		return ReasonBluetoothOff
	}
	return ReasonUnknown
}

// Error carries an already-classified failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "permission: " + string(e.Reason)
	}
	return "permission: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of a permission request.
type Result struct {
	Granted bool
	Reason  Reason
}

// Message returns the user-facing text, empty when granted.
func (r Result) Message() string {
	if r.Granted {
		return ""
	}
	return r.Reason.Message()
}

// Requester is the platform primitive that shows the OS prompt and reports
// which permissions ended up granted.
type Requester interface {
	Request(ctx context.Context, perms []Permission) (map[Permission]bool, error)
}

// Probe reports whether the radio side is usable (adapter powered,
// location services on). It returns ReasonNone when it is.
type Probe interface {
	Check(ctx context.Context) (Reason, error)
}

// Gate combines the platform policy, the requester and an optional probe.
type Gate struct {
	platform  Platform
	requester Requester
	probe     Probe
}

// NewGate creates a Gate. requester may be nil on platforms without a
// runtime grant model; probe may be nil where radio state is unknown.
func NewGate(platform Platform, requester Requester, probe Probe) *Gate {
	return &Gate{platform: platform, requester: requester, probe: probe}
}

// Request asks for the permissions BLE scanning needs on this platform.
// It returns Granted immediately when the platform has no runtime grants.
func (g *Gate) Request(ctx context.Context) Result {
	perms := Required(g.platform)
	if len(perms) == 0 {
		return Result{Granted: true}
	}
	if g.requester == nil {
		return Result{Reason: ReasonUnknown}
	}

	granted, err := g.requester.Request(ctx, perms)
	if err != nil {
		return Result{Reason: Classify(err)}
	}
	for _, p := range perms {
		if !granted[p] {
			return Result{Reason: ReasonDenied}
		}
	}
	return Result{Granted: true}
}

// CheckRadio runs the probe, if any. Probe failures are classified rather
// than returned.
func (g *Gate) CheckRadio(ctx context.Context) Result {
	if g.probe == nil {
		return Result{Granted: true}
	}
	reason, err := g.probe.Check(ctx)
	if err != nil {
		return Result{Reason: Classify(err)}
	}
	if reason != ReasonNone {
		return Result{Reason: reason}
	}
	return Result{Granted: true}
}
