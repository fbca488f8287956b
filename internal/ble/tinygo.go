package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows). On macOS device ids are CoreBluetooth UUIDs,
// not MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects connections and seen.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device id
	seen        map[string]bluetooth.Address // last advertised address per id
}

// NewTinyGoAdapter creates a BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
		seen:        make(map[string]bluetooth.Address),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when a
	// peripheral drops; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onFound func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		a.mu.Lock()
		a.seen[id] = result.Address
		a.mu.Unlock()
		onFound(Device{
			ID:   id,
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	a.mu.Lock()
	addr, ok := a.seen[id]
	a.mu.Unlock()
	if !ok {
		// Not advertised in this process; let the stack parse the id.
		addr.Set(id)
	}

	// tinygo's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns early.
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go closeLateConnect(id, ch, func(d bluetooth.Device) error { return d.Disconnect() })
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// closeLateConnect tears down a link that came up after its caller gave
// up, so the peripheral can advertise again.
func closeLateConnect(id string, ch <-chan connectResult, disconnect func(bluetooth.Device) error) {
	result := <-ch
	if result.err != nil {
		return
	}
	slog.Debug("[BLE] dropping late connection", "id", id)
	if err := disconnect(result.device); err != nil {
		slog.Warn("[BLE] late disconnect failed", "id", id, "error", err)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

// RequestMTU is not exposed by tinygo; BlueZ and CoreBluetooth negotiate
// the ATT MTU themselves during connection.
func (c *tinyGoConnection) RequestMTU(context.Context, int) (int, error) {
	return 0, ErrMTUUnsupported
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	// Discover everything, then pick by UUID; some stacks ignore filters
	// for 128-bit UUIDs.
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range svcs {
		if !strings.EqualFold(svc.UUID().String(), serviceUUID) {
			continue
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		for i := range chars {
			if strings.EqualFold(chars[i].UUID().String(), charUUID) {
				return &tinyGoCharacteristic{char: &chars[i]}, nil
			}
		}
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, DefaultMTU)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
