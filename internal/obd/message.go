// Package obd holds the diagnostic reading sent by the ESP32-DTC adapter
// and the decoder that turns reassembled text into validated readings.
package obd

import (
	"encoding/json"
	"math"
	"strings"
)

// DiagnosticMessage is one validated reading from the adapter.
type DiagnosticMessage struct {
	DTCs             []string `json:"dtcs"`
	CoolantTempC     float64  `json:"coolant_temp_c"`
	CheckEngineLight bool     `json:"check_engine_light"`
	VIN              string   `json:"vin,omitempty"`
}

// Encode returns the canonical JSON form of m. A nil DTC list is written
// as an empty array so the output always decodes.
func Encode(m DiagnosticMessage) string {
	if m.DTCs == nil {
		m.DTCs = []string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// Formatted is a reading with the derived display fields the app shows.
type Formatted struct {
	DiagnosticMessage
	CoolantTempF  int    `json:"coolant_temp_f"`
	DTCsFormatted string `json:"dtcs_formatted"`
}

// Format derives the display fields for m.
func Format(m DiagnosticMessage) Formatted {
	dtcs := strings.Join(m.DTCs, ", ")
	if dtcs == "" {
		dtcs = "None detected"
	}
	return Formatted{
		DiagnosticMessage: m,
		CoolantTempF:      int(math.Round(m.CoolantTempC*9/5 + 32)),
		DTCsFormatted:     dtcs,
	}
}
