//go:build linux

package permission

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus      = "org.bluez"
	bluezAdapter1 = "org.bluez.Adapter1"
)

// BlueZProbe reads the Powered property of a BlueZ adapter over the
// system bus.
type BlueZProbe struct {
	Adapter string // e.g. "hci0"
}

// NewRadioProbe returns the probe for this host.
func NewRadioProbe(adapter string) Probe {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZProbe{Adapter: adapter}
}

func (p *BlueZProbe) Check(ctx context.Context) (Reason, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return ReasonUnknown, fmt.Errorf("permission: connect system bus: %w", err)
	}
	// SystemBus is a shared connection; it is not closed here.

	obj := conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+p.Adapter))
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, bluezAdapter1, "Powered")
	if call.Err != nil {
		return ReasonUnknown, fmt.Errorf("permission: read %s Powered: %w", p.Adapter, call.Err)
	}
	var powered dbus.Variant
	if err := call.Store(&powered); err != nil {
		return ReasonUnknown, fmt.Errorf("permission: decode Powered: %w", err)
	}
	if on, ok := powered.Value().(bool); !ok || !on {
		return ReasonBluetoothOff, nil
	}
	return ReasonNone, nil
}
