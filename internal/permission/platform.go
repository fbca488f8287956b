package permission

import "runtime"

// Permission is a platform permission identifier.
type Permission string

// Android runtime permissions relevant to BLE.
const (
	BluetoothScan    Permission = "android.permission.BLUETOOTH_SCAN"
	BluetoothConnect Permission = "android.permission.BLUETOOTH_CONNECT"
	FineLocation     Permission = "android.permission.ACCESS_FINE_LOCATION"
	CoarseLocation   Permission = "android.permission.ACCESS_COARSE_LOCATION"
)

// androidS is the API level that introduced BLUETOOTH_SCAN/CONNECT.
const androidS = 31

// Platform identifies the host OS and, where it matters, its API level.
type Platform struct {
	OS       string
	APILevel int
}

// Host returns the platform the binary runs on.
func Host() Platform {
	return Platform{OS: runtime.GOOS}
}

// Required lists the runtime permissions scanning needs on p. Platforms
// without a runtime grant model need none.
func Required(p Platform) []Permission {
	if p.OS != "android" {
		return nil
	}
	if p.APILevel < androidS {
		return []Permission{FineLocation}
	}
	return []Permission{BluetoothScan, BluetoothConnect, FineLocation}
}
