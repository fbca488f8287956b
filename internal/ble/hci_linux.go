//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// HCIAdapter drives a local HCI controller directly through go-ble,
// bypassing BlueZ. Unlike the tinygo stack it can request an MTU.
type HCIAdapter struct {
	deviceID int

	mu  sync.Mutex
	dev goble.Device
}

// NewHCIAdapter creates an adapter for hci<deviceID>. The controller is
// opened by Enable.
func NewHCIAdapter(deviceID int) (Adapter, error) {
	return &HCIAdapter{deviceID: deviceID}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice(goble.OptDeviceID(a.deviceID))
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.deviceID, err)
	}
	a.dev = dev
	return nil
}

func (a *HCIAdapter) device() (goble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, fmt.Errorf("ble: hci%d not enabled", a.deviceID)
	}
	return a.dev, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, onFound func(Device)) error {
	dev, err := a.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, true, func(adv goble.Advertisement) {
		onFound(Device{
			ID:   adv.Addr().String(),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	client, err := dev.Dial(ctx, goble.NewAddr(id))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", id, err)
	}
	conn := &hciConnection{client: client, done: make(chan struct{})}
	go conn.watch()
	return conn, nil
}

var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client goble.Client
	done   chan struct{}

	mu           sync.Mutex
	profile      *goble.Profile
	disconnectCb func()
	closeOnce    sync.Once
}

func (c *hciConnection) watch() {
	select {
	case <-c.client.Disconnected():
		c.mu.Lock()
		cb := c.disconnectCb
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	case <-c.done:
	}
}

func (c *hciConnection) RequestMTU(_ context.Context, mtu int) (int, error) {
	return c.client.ExchangeMTU(mtu)
}

func (c *hciConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		p, err := c.client.DiscoverProfile(true)
		if err != nil {
			return nil, fmt.Errorf("ble: discover profile: %w", err)
		}
		c.profile = p
	}

	svcUUID, err := goble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	chUUID, err := goble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	for _, svc := range c.profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(chUUID) {
				return &hciCharacteristic{client: c.client, char: ch}, nil
			}
		}
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
}

func (c *hciConnection) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.client.CancelConnection()
}

func (c *hciConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

type hciCharacteristic struct {
	client goble.Client
	char   *goble.Characteristic
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	return c.client.ReadCharacteristic(c.char)
}

func (c *hciCharacteristic) Write(data []byte) error {
	return c.client.WriteCharacteristic(c.char, data, true)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	return c.client.Subscribe(c.char, false, func(req []byte) {
		cp := make([]byte, len(req))
		copy(cp, req)
		cb(cp)
	})
}
