// Package ble provides the BLE side of the diagnostics link to an ESP32
// OBD-II adapter: discovery, connection management and the notification
// stream that carries diagnostic JSON. Real hardware and the virtual test
// peripheral sit behind the same Adapter interface.
package ble

import (
	"context"
	"errors"
)

// ESP32-DTC peripheral identifiers.
const (
	PeripheralName = "ESP32-DTC"
	ServiceUUID    = "12345678-1234-1234-1234-123456789abc"
	DTCCharUUID    = "87654321-4321-4321-4321-cba987654321"
)

// DefaultMTU is the link MTU requested after connecting.
const DefaultMTU = 512

var (
	// ErrUnknownDevice is returned when connecting to an id the adapter
	// cannot resolve.
	ErrUnknownDevice = errors.New("ble: unknown device")
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrMTUUnsupported is returned by stacks that negotiate the MTU on
	// their own and expose no request call.
	ErrMTUUnsupported = errors.New("ble: MTU request not supported by this stack")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	// Notifications are delivered in the order the stack receives them.
	Subscribe(callback func(data []byte)) error
}

// Device is a discovered BLE peripheral.
type Device struct {
	ID   string `json:"id"` // stable hardware identifier (MAC, or CoreBluetooth UUID on macOS)
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// RequestMTU asks for a larger MTU and returns the negotiated value.
	RequestMTU(ctx context.Context, mtu int) (int, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to onFound, with no service filter,
	// until ctx is done. It returns nil when ctx ends the scan.
	Scan(ctx context.Context, onFound func(Device)) error
	// Connect establishes a connection to the device with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}
