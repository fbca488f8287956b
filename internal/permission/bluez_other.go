//go:build !linux

package permission

// NewRadioProbe returns nil: outside Linux the BLE library reports a
// powered-off radio through its own errors.
func NewRadioProbe(string) Probe {
	return nil
}
