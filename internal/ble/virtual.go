package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fixit/obdlink/internal/ble/protocol"
)

// VirtualDeviceID is the fixed id of the synthetic test peripheral.
const VirtualDeviceID = "test-esp32-device"

// Readings the virtual peripheral sends when no custom payload is given:
// an initial one, then an update with another code and a hotter engine.
const (
	DefaultVirtualPayload = `{"dtcs":["P0128"],"coolant_temp_c":85,"check_engine_light":true}`
	VirtualUpdatePayload  = `{"dtcs":["P0128","P0300"],"coolant_temp_c":97,"check_engine_light":true}`
)

// VirtualOptions configures the simulated peripheral.
type VirtualOptions struct {
	ConnectDelay time.Duration // link up to first reading
	UpdateDelay  time.Duration // first reading to follow-up update
	MTU          int
	Encoding     protocol.Encoding
	EndMarker    string
}

// DefaultVirtualOptions returns the timings the app uses for demos.
func DefaultVirtualOptions() VirtualOptions {
	return VirtualOptions{
		ConnectDelay: 1500 * time.Millisecond,
		UpdateDelay:  5 * time.Second,
		MTU:          DefaultMTU,
		Encoding:     protocol.EncodingBase64,
		EndMarker:    protocol.EndMarker,
	}
}

// VirtualAdapter is an Adapter backed by no hardware. It advertises one
// peripheral with VirtualDeviceID and, once subscribed, streams readings
// as framed notifications exactly like the firmware does.
type VirtualAdapter struct {
	opts VirtualOptions

	mu      sync.Mutex
	payload string
}

// NewVirtualAdapter creates the simulated adapter.
func NewVirtualAdapter(opts VirtualOptions) *VirtualAdapter {
	def := DefaultVirtualOptions()
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.Encoding == "" {
		opts.Encoding = def.Encoding
	}
	if opts.EndMarker == "" {
		opts.EndMarker = def.EndMarker
	}
	return &VirtualAdapter{opts: opts}
}

// Device returns the synthetic peripheral.
func (a *VirtualAdapter) Device() Device {
	return Device{ID: VirtualDeviceID, Name: PeripheralName, RSSI: -40}
}

// SetPayload sets the reading the next connection sends. An empty payload
// selects the default stream: DefaultVirtualPayload then, after
// UpdateDelay, VirtualUpdatePayload. A custom payload is sent once.
func (a *VirtualAdapter) SetPayload(payload string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payload = payload
}

func (a *VirtualAdapter) Enable() error { return nil }

// Scan reports the synthetic peripheral once and returns without waiting
// for ctx.
func (a *VirtualAdapter) Scan(ctx context.Context, onFound func(Device)) error {
	if ctx.Err() == nil {
		onFound(a.Device())
	}
	return nil
}

func (a *VirtualAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	if id != VirtualDeviceID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	payload := a.payload
	a.payload = ""
	a.mu.Unlock()

	readings := []string{payload}
	if strings.TrimSpace(payload) == "" {
		readings = []string{DefaultVirtualPayload, VirtualUpdatePayload}
	}
	slog.Info("[BLE] virtual peripheral connected", "id", id, "custom_payload", len(readings) == 1)
	return &virtualConnection{opts: a.opts, readings: readings}, nil
}

var _ Adapter = (*VirtualAdapter)(nil)

type virtualConnection struct {
	opts     VirtualOptions
	readings []string

	mu           sync.Mutex
	timers       []*time.Timer
	closed       bool
	disconnectCb func()
}

func (c *virtualConnection) RequestMTU(_ context.Context, mtu int) (int, error) {
	if mtu > c.opts.MTU {
		mtu = c.opts.MTU
	}
	return mtu, nil
}

func (c *virtualConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if !strings.EqualFold(serviceUUID, ServiceUUID) || !strings.EqualFold(charUUID, DTCCharUUID) {
		return nil, fmt.Errorf("ble: characteristic %s/%s not found", serviceUUID, charUUID)
	}
	return &virtualCharacteristic{conn: c}, nil
}

func (c *virtualConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	return nil
}

// OnDisconnect is stored for parity; the virtual link never drops on its own.
func (c *virtualConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// schedule queues one reading per step: the first after ConnectDelay, each
// later one a further UpdateDelay on.
func (c *virtualConnection) schedule(emit func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delay := c.opts.ConnectDelay
	for i, reading := range c.readings {
		if i > 0 {
			delay += c.opts.UpdateDelay
		}
		frames := protocol.EncodeFrames(reading, c.opts.MTU, c.opts.Encoding, c.opts.EndMarker)
		c.timers = append(c.timers, time.AfterFunc(delay, func() {
			c.send(frames, emit)
		}))
	}
}

// send delivers frames in order. Holding mu keeps two readings from
// interleaving and stops delivery as soon as Disconnect runs.
func (c *virtualConnection) send(frames [][]byte, emit func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, f := range frames {
		emit(f)
	}
}

// virtualCharacteristic mirrors the real DTC characteristic; reads and
// writes are accepted and ignored.
type virtualCharacteristic struct {
	conn *virtualConnection
}

func (c *virtualCharacteristic) Read() ([]byte, error) { return nil, nil }

func (c *virtualCharacteristic) Write([]byte) error { return nil }

func (c *virtualCharacteristic) Subscribe(cb func([]byte)) error {
	c.conn.schedule(cb)
	return nil
}
