// Package bletest provides an in-memory ble.Adapter for tests in packages
// that sit above the transport.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/ble/protocol"
)

// ErrFake is a generic injected failure.
var ErrFake = errors.New("bletest: injected failure")

// Adapter is a scriptable ble.Adapter. Scan reports Devices and then blocks
// until its context ends, unless ScanErr is set.
type Adapter struct {
	mu         sync.Mutex
	devices    []ble.Device
	EnableErr  error
	ScanErr    error
	ConnectErr error
	// Greeting, when set, is framed and delivered from inside Subscribe,
	// like firmware that notifies as soon as notifications are enabled.
	Greeting string

	conns    []*Conn
	connects int
}

// NewAdapter returns an Adapter that advertises devices.
func NewAdapter(devices ...ble.Device) *Adapter {
	return &Adapter{devices: devices}
}

// Advertise adds devices seen by subsequent scans.
func (a *Adapter) Advertise(devices ...ble.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = append(a.devices, devices...)
}

func (a *Adapter) Enable() error { return a.EnableErr }

func (a *Adapter) Scan(ctx context.Context, onFound func(ble.Device)) error {
	a.mu.Lock()
	devices := append([]ble.Device(nil), a.devices...)
	a.mu.Unlock()
	for _, d := range devices {
		onFound(d)
	}
	if a.ScanErr != nil {
		return a.ScanErr
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, id string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	c := &Conn{ID: id, greeting: a.Greeting}
	a.conns = append(a.conns, c)
	return c, nil
}

// Connects returns how many times Connect was called.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Last returns the most recent connection, or nil.
func (a *Adapter) Last() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

var _ ble.Adapter = (*Adapter)(nil)

// Conn is one fake link. Notify and Drop drive it from the test.
type Conn struct {
	ID string

	greeting     string
	mu           sync.Mutex
	notify       func([]byte)
	onDisconnect func()
	closed       bool
}

func (c *Conn) RequestMTU(_ context.Context, mtu int) (int, error) { return mtu, nil }

func (c *Conn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID || charUUID != ble.DTCCharUUID {
		return nil, fmt.Errorf("bletest: no characteristic %s/%s", serviceUUID, charUUID)
	}
	return &characteristic{conn: c}, nil
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// Closed reports whether Disconnect was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Notify delivers one raw notification value.
func (c *Conn) Notify(data []byte) {
	c.mu.Lock()
	cb := c.notify
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Send frames msg the way the firmware does (base64, end marker, 20-byte
// ATT payloads) and delivers every fragment.
func (c *Conn) Send(msg string) {
	for _, f := range protocol.EncodeFrames(msg, 23, protocol.EncodingBase64, protocol.EndMarker) {
		c.Notify(f)
	}
}

// Drop simulates the peripheral going away.
func (c *Conn) Drop() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type characteristic struct {
	conn *Conn
}

func (ch *characteristic) Read() ([]byte, error) { return nil, nil }

func (ch *characteristic) Write([]byte) error { return nil }

func (ch *characteristic) Subscribe(cb func([]byte)) error {
	ch.conn.mu.Lock()
	ch.conn.notify = cb
	ch.conn.mu.Unlock()
	if ch.conn.greeting != "" {
		ch.conn.Send(ch.conn.greeting)
	}
	return nil
}
