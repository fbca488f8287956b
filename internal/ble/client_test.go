package ble

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fixit/obdlink/internal/ble/protocol"
)

var testDevice = Device{ID: "AA:BB:CC:DD:EE:FF", Name: PeripheralName, RSSI: -60}

// collector gathers messages delivered through Handlers.
type collector struct {
	mu       sync.Mutex
	msgs     []string
	linkLost int
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnMessage: func(m string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.msgs = append(c.msgs, m)
		},
		OnLinkLost: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.linkLost++
		},
	}
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func b64(s string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(s)))
}

func TestClientConnectSubscribes(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector

	dev, err := client.Connect(context.Background(), testDevice, col.handlers())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dev.ID != testDevice.ID {
		t.Errorf("Connect() device = %q, want %q", dev.ID, testDevice.ID)
	}
	got, ok := client.Connected()
	if !ok || got.ID != testDevice.ID {
		t.Errorf("Connected() = %+v, %v", got, ok)
	}
	conn := adapter.latestConnection()
	if conn.requestedMTU != DefaultMTU {
		t.Errorf("requested MTU = %d, want %d", conn.requestedMTU, DefaultMTU)
	}
	if client.MTU() != DefaultMTU {
		t.Errorf("MTU() = %d, want %d", client.MTU(), DefaultMTU)
	}
	if conn.dtcChar.callback == nil {
		t.Fatal("DTC characteristic was not subscribed")
	}
}

func TestClientReassemblesNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	char := adapter.latestConnection().dtcChar

	char.SimulateNotification(b64(`{"dtcs":["P01`))
	char.SimulateNotification(b64(`28"],"coolant_temp_c":85,`))
	if n := len(col.messages()); n != 0 {
		t.Fatalf("got %d messages before end marker, want 0", n)
	}
	char.SimulateNotification(b64(`"check_engine_light":true}##EN`))
	char.SimulateNotification(b64(`D##`))

	msgs := col.messages()
	want := `{"dtcs":["P0128"],"coolant_temp_c":85,"check_engine_light":true}`
	if len(msgs) != 1 || msgs[0] != want {
		t.Fatalf("messages = %q, want [%q]", msgs, want)
	}
	if s := client.Stats(); s.Fragments != 4 || s.Messages != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestClientEncodedFramesRoundTrip(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := DefaultClientOptions()
	client := NewClient(adapter, opts)
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	char := adapter.latestConnection().dtcChar

	payload := `{"dtcs":["P0300","P0171","P0420"],"coolant_temp_c":92.5,"check_engine_light":true,"vin":"1HGCM82633A004352"}`
	for _, f := range protocol.EncodeFrames(payload, 23, protocol.EncodingBase64, protocol.EndMarker) {
		char.SimulateNotification(f)
	}
	msgs := col.messages()
	if len(msgs) != 1 || msgs[0] != payload {
		t.Fatalf("messages = %q, want [%q]", msgs, payload)
	}
}

func TestClientDropsUndecodableNotification(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	char := adapter.latestConnection().dtcChar

	char.SimulateNotification(b64(`{"a":`))
	char.SimulateNotification([]byte("%%% not base64 %%%"))
	char.SimulateNotification(b64(`1}##END##`))

	msgs := col.messages()
	if len(msgs) != 1 || msgs[0] != `{"a":1}` {
		t.Fatalf("messages = %q, want [{\"a\":1}]", msgs)
	}
	if s := client.Stats(); s.BadFragments != 1 {
		t.Errorf("BadFragments = %d, want 1", s.BadFragments)
	}
}

func TestClientMTUFailureIsNotFatal(t *testing.T) {
	for _, mtuErr := range []error{ErrMTUUnsupported, errMock} {
		adapter := newMockAdapter(nil)
		adapter.next.mtuErr = mtuErr
		client := NewClient(adapter, DefaultClientOptions())

		if _, err := client.Connect(context.Background(), testDevice, Handlers{}); err != nil {
			t.Fatalf("Connect() with MTU error %v: error = %v", mtuErr, err)
		}
		if _, ok := client.Connected(); !ok {
			t.Errorf("Connected() = false after MTU error %v", mtuErr)
		}
		if client.MTU() != 0 {
			t.Errorf("MTU() = %d, want 0 when negotiation failed", client.MTU())
		}
	}
}

func TestClientConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(a *mockAdapter)
		wantOp string
	}{
		{"enable", func(a *mockAdapter) { a.enableErr = errMock }, "connect"},
		{"connect", func(a *mockAdapter) { a.connectErr = errMock }, "connect"},
		{"discover", func(a *mockAdapter) { a.next.discoverErr = errMock }, "discover"},
		{"subscribe", func(a *mockAdapter) { a.next.dtcChar.subscribeErr = errMock }, "subscribe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			conn := adapter.next
			tt.setup(adapter)
			client := NewClient(adapter, DefaultClientOptions())

			_, err := client.Connect(context.Background(), testDevice, Handlers{})
			var ce *ConnectError
			if !errors.As(err, &ce) {
				t.Fatalf("Connect() error = %v, want *ConnectError", err)
			}
			if ce.Op != tt.wantOp {
				t.Errorf("ConnectError.Op = %q, want %q", ce.Op, tt.wantOp)
			}
			if ce.DeviceID != testDevice.ID {
				t.Errorf("ConnectError.DeviceID = %q", ce.DeviceID)
			}
			if !errors.Is(err, errMock) {
				t.Errorf("error does not wrap cause: %v", err)
			}
			if _, ok := client.Connected(); ok {
				t.Error("Connected() = true after failed connect")
			}
			if (tt.wantOp == "discover" || tt.wantOp == "subscribe") && !conn.isDisconnected() {
				t.Error("half-open link was not torn down")
			}
		})
	}
}

func TestClientConnectTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Connect(ctx, testDevice, Handlers{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() with no link: error = %v", err)
	}
	if _, err := client.Connect(context.Background(), testDevice, Handlers{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !conn.isDisconnected() {
		t.Error("transport Disconnect was not called")
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if _, ok := client.Connected(); ok {
		t.Error("Connected() = true after Disconnect")
	}
}

func TestClientDisconnectClearsStateOnTransportError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.next.disconnectErr = errMock
	client := NewClient(adapter, DefaultClientOptions())
	if _, err := client.Connect(context.Background(), testDevice, Handlers{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Disconnect(); !errors.Is(err, errMock) {
		t.Errorf("Disconnect() error = %v, want wrapped mock failure", err)
	}
	if _, ok := client.Connected(); ok {
		t.Error("Connected() = true after failed Disconnect")
	}
}

func TestClientIgnoresNotificationsAfterDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	char := adapter.latestConnection().dtcChar
	_ = client.Disconnect()

	char.SimulateNotification(b64(`{"a":1}##END##`))
	if n := len(col.messages()); n != 0 {
		t.Errorf("got %d messages after Disconnect, want 0", n)
	}
}

func TestClientLinkLost(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()
	conn.dtcChar.SimulateNotification(b64(`{"partial":`))

	conn.SimulateDisconnect()

	if _, ok := client.Connected(); ok {
		t.Error("Connected() = true after link loss")
	}
	col.mu.Lock()
	lost := col.linkLost
	col.mu.Unlock()
	if lost != 1 {
		t.Errorf("OnLinkLost called %d times, want 1", lost)
	}
	// A second drop for the same link must not fire again.
	conn.SimulateDisconnect()
	col.mu.Lock()
	lost = col.linkLost
	col.mu.Unlock()
	if lost != 1 {
		t.Errorf("OnLinkLost called %d times after repeat, want 1", lost)
	}
}

func TestClientReconnectStartsWithEmptyBuffer(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	var col collector
	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := adapter.latestConnection()
	first.dtcChar.SimulateNotification(b64(`{"stale":`))

	if _, err := client.Connect(context.Background(), testDevice, col.handlers()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if !first.isDisconnected() {
		t.Error("previous link was not closed on reconnect")
	}
	second := adapter.latestConnection()
	second.dtcChar.SimulateNotification(b64(`{"fresh":true}##END##`))

	msgs := col.messages()
	if len(msgs) != 1 || msgs[0] != `{"fresh":true}` {
		t.Fatalf("messages = %q, want [{\"fresh\":true}]", msgs)
	}
	// The old link's disconnect callback is stale and must be ignored.
	first.SimulateDisconnect()
	if _, ok := client.Connected(); !ok {
		t.Error("stale disconnect callback tore down the new link")
	}
}

func TestClientOnMessageFromBackgroundGoroutine(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := NewClient(adapter, DefaultClientOptions())
	got := make(chan string, 1)
	h := Handlers{OnMessage: func(m string) { got <- m }}
	if _, err := client.Connect(context.Background(), testDevice, h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	char := adapter.latestConnection().dtcChar

	go char.SimulateNotification(b64(`{"x":1}##END##`))

	select {
	case m := <-got:
		if m != `{"x":1}` {
			t.Errorf("message = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
