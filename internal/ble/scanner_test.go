package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scan to end")
		return nil
	}
}

func TestScannerFiltersByNameAndDedups(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{ID: "11:11", Name: PeripheralName, RSSI: -50},
		{ID: "22:22", Name: "Headphones", RSSI: -40},
		{ID: "11:11", Name: PeripheralName, RSSI: -48},
		{ID: "33:33", Name: PeripheralName, RSSI: -70},
		{ID: "44:44", Name: "esp32-dtc", RSSI: -70},
	})
	s := NewScanner(adapter, ScanOptions{Timeout: 50 * time.Millisecond})

	var found []string
	done := make(chan error, 1)
	err := s.Start(context.Background(),
		func(d Device) { found = append(found, d.ID) },
		func(err error) { done <- err })
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("scan ended with error = %v", err)
	}

	if len(found) != 2 || found[0] != "11:11" || found[1] != "33:33" {
		t.Errorf("onFound ids = %v, want [11:11 33:33]", found)
	}
	devs := s.Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices() = %v, want 2 entries", devs)
	}
	if devs[0].RSSI != -50 {
		t.Errorf("first sighting should be kept, RSSI = %d", devs[0].RSSI)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after timeout")
	}
}

func TestScannerKeepsResultsAcrossScans(t *testing.T) {
	adapter := newMockAdapter([]Device{{ID: "11:11", Name: PeripheralName}})
	s := NewScanner(adapter, ScanOptions{Timeout: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		if err := s.Start(context.Background(), nil, func(err error) { done <- err }); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitDone(t, done)
	}
	if n := len(s.Devices()); n != 1 {
		t.Errorf("Devices() has %d entries after two scans, want 1", n)
	}

	s.Reset()
	if n := len(s.Devices()); n != 0 {
		t.Errorf("Devices() has %d entries after Reset, want 0", n)
	}
}

func TestScannerStop(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewScanner(adapter, ScanOptions{Timeout: time.Minute})

	done := make(chan error, 1)
	if err := s.Start(context.Background(), nil, func(err error) { done <- err }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Scanning() {
		t.Error("Scanning() = false right after Start")
	}
	s.Stop()
	if err := waitDone(t, done); err != nil {
		t.Errorf("stopped scan reported error = %v", err)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after Stop")
	}
	s.Stop()
}

func TestScannerEnableError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errMock
	s := NewScanner(adapter, DefaultScanOptions())

	err := s.Start(context.Background(), nil, nil)
	if !errors.Is(err, errMock) {
		t.Fatalf("Start() error = %v, want mock failure", err)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after failed Start")
	}
}

func TestScannerReportsScanError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.scanErr = errMock
	s := NewScanner(adapter, DefaultScanOptions())

	done := make(chan error, 1)
	if err := s.Start(context.Background(), nil, func(err error) { done <- err }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, errMock) {
		t.Errorf("onDone error = %v, want mock failure", err)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after failed scan")
	}
}

func TestScannerRestartIgnoresOldRun(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewScanner(adapter, ScanOptions{Timeout: time.Minute})

	first := make(chan error, 1)
	if err := s.Start(context.Background(), nil, func(err error) { first <- err }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second := make(chan error, 1)
	if err := s.Start(context.Background(), nil, func(err error) { second <- err }); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitDone(t, first)
	if !s.Scanning() {
		t.Error("end of the replaced scan cleared Scanning() for the new one")
	}
	s.Stop()
	waitDone(t, second)
}
