// Package session is the facade the UI drives: it owns the scanner, the
// current connection and the decoded message history, and dispatches each
// call to the real transport or the virtual peripheral.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/obd"
	"github.com/fixit/obdlink/internal/permission"
)

// ErrNoTransport is returned when a real device is requested but no BLE
// backend was configured.
var ErrNoTransport = errors.New("session: no BLE transport configured")

// Options configures a Session.
type Options struct {
	Scan    ble.ScanOptions
	Client  ble.ClientOptions
	Virtual ble.VirtualOptions
	// TestMode starts the session with the virtual peripheral enabled.
	TestMode bool
}

// Session is the single owner of connection state and message history.
// All exported methods are safe for concurrent use.
type Session struct {
	gate    *permission.Gate
	adapter ble.Adapter // nil when no real backend is available
	scanner *ble.Scanner
	virtual *ble.VirtualAdapter
	decoder *obd.Decoder
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	testMode        bool
	scanAttempted   bool
	permissionError string
	client          *ble.Client
	device          ble.Device
	history         []string
	latest          obd.DiagnosticMessage
	hasLatest       bool
	gen             uint64 // bumped on every connect and teardown

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates a Session. gate and adapter may be nil: without a gate no
// permission checks run; without an adapter only the virtual peripheral is
// reachable.
func New(gate *permission.Gate, adapter ble.Adapter, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		gate:     gate,
		adapter:  adapter,
		virtual:  ble.NewVirtualAdapter(opts.Virtual),
		decoder:  obd.NewDecoder(),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		testMode: opts.TestMode,
		subs:     make(map[int]chan Event),
	}
	if adapter != nil {
		s.scanner = ble.NewScanner(adapter, opts.Scan)
	}
	return s
}

// Scan checks permissions and radio state, then starts discovery. In test
// mode the virtual peripheral is listed first. Failures never return: they
// are reported through PermissionError and an EventError.
func (s *Session) Scan(ctx context.Context) {
	s.mu.Lock()
	s.scanAttempted = true
	s.permissionError = ""
	testMode := s.testMode
	s.mu.Unlock()

	if testMode {
		s.emit(Event{Type: EventPeripheral, Device: s.virtual.Device()})
	}
	if s.scanner == nil {
		if !testMode {
			s.fail(permission.ReasonUnknown.Message(), ErrNoTransport)
		}
		return
	}

	if s.gate != nil {
		if res := s.gate.Request(ctx); !res.Granted {
			s.fail(res.Message(), nil)
			return
		}
		if res := s.gate.CheckRadio(ctx); !res.Granted {
			s.fail(res.Message(), nil)
			return
		}
	}

	err := s.scanner.Start(s.ctx, func(d ble.Device) {
		s.emit(Event{Type: EventPeripheral, Device: d})
	}, s.scanDone)
	if err != nil {
		s.fail(permission.Classify(err).Message(), err)
		return
	}

	// The scan may already have ended; scanDone settles the state then.
	s.mu.Lock()
	if s.state == Idle && s.scanner.Scanning() {
		s.state = Scanning
	}
	s.mu.Unlock()
	s.emitState()
}

func (s *Session) scanDone(err error) {
	s.mu.Lock()
	if s.state == Scanning && !s.scanner.Scanning() {
		s.state = Idle
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(permission.Classify(err).Message(), err)
		return
	}
	s.emitState()
}

// fail records msg as the user-facing error and resets the scanning state.
func (s *Session) fail(msg string, cause error) {
	s.mu.Lock()
	s.permissionError = msg
	if s.state == Scanning {
		s.state = Idle
	}
	st := s.state
	s.mu.Unlock()

	slog.Warn("[SESSION] scan unavailable", "reason", msg, "error", cause)
	s.emit(Event{Type: EventError, State: st, Err: msg})
}

// StopScan ends a scan in progress. Safe to call at any time.
func (s *Session) StopScan() {
	if s.scanner == nil {
		return
	}
	s.scanner.Stop()
	s.mu.Lock()
	changed := s.state == Scanning
	if changed {
		s.state = Idle
	}
	s.mu.Unlock()
	if changed {
		s.emitState()
	}
}

// Connect stops any scan, closes the current link and connects to dev. In
// test mode the virtual device id routes to the simulator, which sends
// customPayload once instead of its default stream when it is non-empty.
// Connection failures are the only errors the session returns.
func (s *Session) Connect(ctx context.Context, dev ble.Device, customPayload string) (ble.Device, error) {
	s.StopScan()
	s.Disconnect()

	s.mu.Lock()
	virtual := s.testMode && dev.ID == ble.VirtualDeviceID
	s.gen++
	gen := s.gen
	s.state = Connecting
	// Readings can arrive as soon as notifications are enabled, before
	// client.Connect returns.
	s.device = dev
	s.mu.Unlock()
	s.emitState()

	var adapter ble.Adapter = s.adapter
	if virtual {
		s.virtual.SetPayload(customPayload)
		adapter = s.virtual
	} else if customPayload != "" {
		slog.Warn("[SESSION] custom payload ignored for real device", "id", dev.ID)
	}
	if adapter == nil {
		s.connectFailed(gen)
		return ble.Device{}, &ble.ConnectError{Op: "connect", DeviceID: dev.ID, Err: ErrNoTransport}
	}

	client := ble.NewClient(adapter, s.opts.Client)
	connected, err := client.Connect(ctx, dev, ble.Handlers{
		OnMessage:  func(raw string) { s.handleMessage(gen, raw) },
		OnLinkLost: func() { s.handleLinkLost(gen) },
	})
	if err != nil {
		s.connectFailed(gen)
		slog.Error("[SESSION] connect failed", "id", dev.ID, "virtual", virtual, "error", err)
		return ble.Device{}, err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Disconnected while connecting.
		s.mu.Unlock()
		_ = client.Disconnect()
		return ble.Device{}, &ble.ConnectError{Op: "connect", DeviceID: dev.ID, Err: context.Canceled}
	}
	s.client = client
	s.device = connected
	s.state = Connected
	s.mu.Unlock()

	slog.Info("[SESSION] connected", "id", connected.ID, "name", connected.Name, "virtual", virtual)
	s.emit(Event{Type: EventState, State: Connected, Device: connected})
	return connected, nil
}

func (s *Session) connectFailed(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = Idle
	s.device = ble.Device{}
	s.mu.Unlock()
	s.emitState()
}

// ConnectByID connects to a device from the current peripheral list.
func (s *Session) ConnectByID(ctx context.Context, id, customPayload string) (ble.Device, error) {
	for _, d := range s.Peripherals() {
		if d.ID == id {
			return s.Connect(ctx, d, customPayload)
		}
	}
	return ble.Device{}, &ble.ConnectError{Op: "connect", DeviceID: id, Err: ble.ErrUnknownDevice}
}

func (s *Session) handleMessage(gen uint64, raw string) {
	decoded, err := s.decoder.Decode(raw)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, decoded.Raw)
	s.latest = decoded.Message
	s.hasLatest = true
	dev := s.device
	state := s.state
	s.mu.Unlock()

	slog.Info("[SESSION] reading received",
		"dtcs", decoded.Message.DTCs, "coolant_temp_c", decoded.Message.CoolantTempC,
		"check_engine_light", decoded.Message.CheckEngineLight, "repaired", decoded.Repaired)
	s.emit(Event{
		Type:     EventMessage,
		State:    state,
		Device:   dev,
		Raw:      decoded.Raw,
		Message:  decoded.Message,
		Repaired: decoded.Repaired,
	})
}

func (s *Session) handleLinkLost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.mu.Unlock()
	slog.Warn("[SESSION] peripheral disconnected")
	s.emitState()
}

// resetLocked clears the link and its history. Callers hold mu.
func (s *Session) resetLocked() {
	s.gen++
	s.client = nil
	s.device = ble.Device{}
	s.history = nil
	s.latest = obd.DiagnosticMessage{}
	s.hasLatest = false
	s.state = Idle
}

// Disconnect closes the current link, clears the message history and
// returns to Idle. It always succeeds locally; transport teardown errors
// are logged.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client := s.client
	if client == nil && s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	if client != nil {
		s.state = Disconnecting
	}
	s.mu.Unlock()

	s.emitState()
	if client == nil {
		return
	}
	_ = client.Disconnect()

	s.mu.Lock()
	if s.state == Disconnecting {
		s.state = Idle
	}
	s.mu.Unlock()
	slog.Info("[SESSION] disconnected")
	s.emitState()
}

// EnableTestMode turns on the virtual peripheral and makes it the only
// listed device until the next scan.
func (s *Session) EnableTestMode() ble.Device {
	s.mu.Lock()
	s.testMode = true
	s.mu.Unlock()
	if s.scanner != nil {
		s.scanner.Reset()
	}
	dev := s.virtual.Device()
	slog.Info("[SESSION] test mode enabled", "id", dev.ID)
	s.emit(Event{Type: EventPeripheral, Device: dev})
	return dev
}

// DisableTestMode tears down a virtual connection, if any, and removes the
// virtual peripheral from the list.
func (s *Session) DisableTestMode() {
	s.mu.Lock()
	onVirtual := s.client != nil && s.device.ID == ble.VirtualDeviceID
	s.mu.Unlock()
	if onVirtual {
		s.Disconnect()
	}
	s.mu.Lock()
	s.testMode = false
	s.mu.Unlock()
	slog.Info("[SESSION] test mode disabled")
	s.emitState()
}

// Peripherals returns the discovered devices, the virtual one first in
// test mode.
func (s *Session) Peripherals() []ble.Device {
	s.mu.Lock()
	testMode := s.testMode
	s.mu.Unlock()

	var out []ble.Device
	if testMode {
		out = append(out, s.virtual.Device())
	}
	if s.scanner != nil {
		for _, d := range s.scanner.Devices() {
			if testMode && d.ID == ble.VirtualDeviceID {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsScanning() bool {
	return s.scanner != nil && s.scanner.Scanning()
}

func (s *Session) ScanAttempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanAttempted
}

func (s *Session) TestMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testMode
}

// PermissionError returns the last user-facing scan error, if any.
func (s *Session) PermissionError() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionError, s.permissionError != ""
}

// LatestMessage returns the most recent reading of the current link.
func (s *Session) LatestMessage() (obd.DiagnosticMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// History returns the stored message texts in arrival order.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot returns every facade field at once.
func (s *Session) Snapshot() Snapshot {
	peripherals := s.Peripherals()
	scanning := s.IsScanning()

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Peripherals:     peripherals,
		State:           s.state,
		IsScanning:      scanning,
		ScanAttempted:   s.scanAttempted,
		TestMode:        s.testMode,
		PermissionError: s.permissionError,
		HistoryLen:      len(s.history),
		Stats:           Stats{Decode: s.decoder.Stats()},
	}
	if snap.Peripherals == nil {
		snap.Peripherals = []ble.Device{}
	}
	if s.client != nil {
		dev := s.device
		snap.Connected = &dev
		snap.Stats.Frame = s.client.Stats()
	}
	if s.hasLatest {
		f := obd.Format(s.latest)
		snap.LatestMessage = &f
	}
	return snap
}

// Subscribe returns a channel of session events and a function that
// unsubscribes and closes it. Events are dropped when the channel is full.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *Session) emitState() {
	s.mu.Lock()
	ev := Event{Type: EventState, State: s.state, Device: s.device}
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default: // don't block if a subscriber is slow
		}
	}
}

// Close stops scanning, disconnects and closes every subscriber channel.
func (s *Session) Close() {
	s.StopScan()
	s.Disconnect()
	s.cancel()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
