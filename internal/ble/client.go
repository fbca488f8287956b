package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fixit/obdlink/internal/ble/protocol"
)

// ClientOptions configures the connection manager.
type ClientOptions struct {
	ServiceUUID    string
	CharUUID       string
	MTU            int           // MTU to request after connecting
	ConnectTimeout time.Duration // bound on connect + MTU + discovery; 0 = none
	Frame          protocol.ReassemblerOptions
}

// DefaultClientOptions returns the ESP32-DTC defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ServiceUUID:    ServiceUUID,
		CharUUID:       DTCCharUUID,
		MTU:            DefaultMTU,
		ConnectTimeout: 15 * time.Second,
		Frame: protocol.ReassemblerOptions{
			Encoding:       protocol.EncodingBase64,
			EndMarker:      protocol.EndMarker,
			MaxBufferBytes: protocol.DefaultMaxBufferBytes,
			IdleTimeout:    protocol.DefaultIdleTimeout,
		},
	}
}

// ConnectError reports which connect step failed.
type ConnectError struct {
	Op       string // "connect", "discover" or "subscribe"
	DeviceID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Handlers receive what a connection produces. Both are optional and are
// called from the transport's notification goroutine.
type Handlers struct {
	// OnMessage receives each complete message with the end marker stripped.
	OnMessage func(msg string)
	// OnLinkLost fires when the peripheral drops the link (not on Disconnect).
	OnLinkLost func()
}

// Client manages the single connection to an ESP32-DTC peripheral and the
// frame reassembly for its notification stream.
type Client struct {
	adapter Adapter
	opts    ClientOptions

	mu        sync.Mutex
	conn      Connection
	device    Device
	reasm     *protocol.Reassembler
	connected bool
	mtu       int
}

// NewClient creates a Client over adapter. Zero-valued options fall back
// to DefaultClientOptions.
func NewClient(adapter Adapter, opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = def.CharUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	return &Client{adapter: adapter, opts: opts}
}

// Connect opens the link to dev, raises the MTU, discovers the DTC
// characteristic and subscribes to it. An existing connection is closed
// first. Every failure is returned as a *ConnectError.
func (c *Client) Connect(ctx context.Context, dev Device, h Handlers) (Device, error) {
	_ = c.Disconnect()

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	if err := c.adapter.Enable(); err != nil {
		return Device{}, &ConnectError{Op: "connect", DeviceID: dev.ID, Err: err}
	}
	conn, err := c.adapter.Connect(ctx, dev.ID)
	if err != nil {
		return Device{}, &ConnectError{Op: "connect", DeviceID: dev.ID, Err: err}
	}
	slog.Info("[BLE] connected", "id", dev.ID, "name", dev.Name)

	mtu, err := conn.RequestMTU(ctx, c.opts.MTU)
	switch {
	case errors.Is(err, ErrMTUUnsupported):
		slog.Debug("[BLE] MTU negotiated by host stack", "id", dev.ID)
	case err != nil:
		slog.Warn("[BLE] MTU request failed, continuing with default", "id", dev.ID, "requested", c.opts.MTU, "error", err)
	default:
		slog.Info("[BLE] MTU negotiated", "id", dev.ID, "mtu", mtu)
	}

	char, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.CharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return Device{}, &ConnectError{Op: "discover", DeviceID: dev.ID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Disconnect()
		return Device{}, &ConnectError{Op: "discover", DeviceID: dev.ID, Err: err}
	}

	// A fresh reassembler per connection: nothing carries over from a
	// previous session.
	reasm := protocol.NewReassembler(c.opts.Frame)

	c.mu.Lock()
	c.conn = conn
	c.device = dev
	c.reasm = reasm
	c.connected = true
	c.mtu = mtu
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		if !c.release(conn) {
			return
		}
		slog.Warn("[BLE] link lost", "id", dev.ID)
		if h.OnLinkLost != nil {
			h.OnLinkLost()
		}
	})

	err = char.Subscribe(func(data []byte) {
		if !c.active(conn) {
			return
		}
		msgs, err := reasm.Feed(data)
		if err != nil {
			slog.Warn("[BLE] dropping notification", "id", dev.ID, "error", err)
			return
		}
		for _, m := range msgs {
			if h.OnMessage != nil {
				h.OnMessage(m)
			}
		}
	})
	if err != nil {
		c.release(conn)
		_ = conn.Disconnect()
		return Device{}, &ConnectError{Op: "subscribe", DeviceID: dev.ID, Err: err}
	}
	slog.Info("[BLE] subscribed to notifications", "id", dev.ID, "char", c.opts.CharUUID)

	return dev, nil
}

func (c *Client) active(conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

// release clears the client state if conn is still the active connection.
func (c *Client) release(conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.device = Device{}
	c.connected = false
	if c.reasm != nil {
		c.reasm.Reset()
	}
	return true
}

// Disconnect tears down the active connection. It is a no-op when nothing
// is connected, and local state is always cleared even if the transport
// teardown fails.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	id := c.device.ID
	c.mu.Unlock()
	if conn == nil || !c.release(conn) {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect failed, state cleared anyway", "id", id, "error", err)
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	slog.Info("[BLE] disconnected", "id", id)
	return nil
}

// Connected returns the connected device, if any.
func (c *Client) Connected() (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device, c.connected
}

// MTU returns the MTU negotiated for the current connection, or 0 when the
// stack did not report one.
func (c *Client) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Stats returns the reassembler counters for the current connection.
func (c *Client) Stats() protocol.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reasm == nil {
		return protocol.Stats{}
	}
	return c.reasm.Stats()
}
