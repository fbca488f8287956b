package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultScanTimeout bounds a scan that is not stopped manually.
const DefaultScanTimeout = 10 * time.Second

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Name    string        // exact advertised name to accept
	Timeout time.Duration // auto-stop after this long
}

// DefaultScanOptions returns the ESP32-DTC defaults.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Name:    PeripheralName,
		Timeout: DefaultScanTimeout,
	}
}

// Scanner discovers peripherals by advertised name and keeps a result list
// deduplicated by device id. The list survives across scans until Reset.
type Scanner struct {
	adapter Adapter
	opts    ScanOptions

	mu       sync.Mutex
	devices  []Device
	seen     map[string]bool
	cancel   context.CancelFunc
	scanning bool
	runID    uint64
}

// NewScanner creates a Scanner over adapter.
func NewScanner(adapter Adapter, opts ScanOptions) *Scanner {
	if opts.Name == "" {
		opts.Name = PeripheralName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultScanTimeout
	}
	return &Scanner{
		adapter: adapter,
		opts:    opts,
		seen:    make(map[string]bool),
	}
}

// Start enables the adapter and begins discovery in the background.
// onFound is called once per newly seen matching device; onDone is called
// once when the scan ends, with nil after a timeout or Stop. A scan already
// in progress is stopped first. Start returns an error only when the
// adapter cannot be enabled.
func (s *Scanner) Start(ctx context.Context, onFound func(Device), onDone func(error)) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.Stop()

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	s.mu.Lock()
	s.runID++
	run := s.runID
	s.cancel = cancel
	s.scanning = true
	s.mu.Unlock()

	slog.Info("[BLE] scan started", "name", s.opts.Name, "timeout", s.opts.Timeout)

	go func() {
		err := s.adapter.Scan(scanCtx, func(d Device) {
			if d.Name != s.opts.Name {
				return
			}
			if !s.add(run, d) {
				return
			}
			slog.Info("[BLE] device found", "id", d.ID, "name", d.Name, "rssi", d.RSSI)
			if onFound != nil {
				onFound(d)
			}
		})
		cancel()

		s.mu.Lock()
		if s.runID == run {
			s.scanning = false
			s.cancel = nil
		}
		s.mu.Unlock()

		if err != nil {
			slog.Warn("[BLE] scan failed", "error", err)
		} else {
			slog.Info("[BLE] scan stopped")
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// add records d if its id is new. It returns false for duplicates and for
// callbacks from a scan that has since been replaced.
func (s *Scanner) add(run uint64, d Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != run || s.seen[d.ID] {
		return false
	}
	s.seen[d.ID] = true
	s.devices = append(s.devices, d)
	return true
}

// Stop ends the current scan, if any. Safe to call at any time.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.scanning = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scanning reports whether a scan is in progress.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Devices returns the discovered devices in discovery order.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Reset clears the result list.
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = nil
	s.seen = make(map[string]bool)
}
