//go:build !linux

package ble

import "fmt"

// NewHCIAdapter is only available on Linux, where go-ble can open a raw
// HCI socket.
func NewHCIAdapter(deviceID int) (Adapter, error) {
	return nil, fmt.Errorf("ble: hci%d backend requires linux", deviceID)
}
