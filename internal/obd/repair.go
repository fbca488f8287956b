package obd

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// UnknownVIN is substituted when a repaired payload carries no VIN.
const UnknownVIN = "Unknown"

var (
	dtcsOpenRe    = regexp.MustCompile(`"dtcs"\s*:\s*\[`)
	nextKeyRe     = regexp.MustCompile(`"[A-Za-z_]+"\s*:`)
	quotedRe      = regexp.MustCompile(`"([^"\\]*)"`)
	coolantRe     = regexp.MustCompile(`coolant_temp_c"\s*:\s*(-?\d+(?:\.\d+)?)`)
	checkEngineRe = regexp.MustCompile(`check_engine_light"\s*:\s*(true|false)`)
	vinRe         = regexp.MustCompile(`vin"\s*:\s*"([^"]*)"`)
)

// Repair is the best-effort fallback for malformed or truncated payloads.
// It only accepts text that still shows the dtcs array opening and a
// (possibly truncated) coolant_temp key, pulls each field out by pattern,
// defaults what is missing, and re-validates the rebuilt JSON strictly.
func Repair(raw string) (DiagnosticMessage, error) {
	loc := dtcsOpenRe.FindStringIndex(raw)
	if loc == nil || !strings.Contains(raw, "coolant_temp") {
		return DiagnosticMessage{}, &DecodeError{Kind: KindUnrecoverable, Err: errors.New("payload does not match the diagnostic schema")}
	}

	m := DiagnosticMessage{
		DTCs: extractDTCs(raw[loc[1]:]),
		VIN:  UnknownVIN,
	}
	if g := coolantRe.FindStringSubmatch(raw); g != nil {
		m.CoolantTempC, _ = strconv.ParseFloat(g[1], 64)
	}
	if g := checkEngineRe.FindStringSubmatch(raw); g != nil {
		m.CheckEngineLight = g[1] == "true"
	}
	if g := vinRe.FindStringSubmatch(raw); g != nil && g[1] != "" {
		m.VIN = g[1]
	}

	out, err := Parse(Encode(m))
	if err != nil {
		return DiagnosticMessage{}, &DecodeError{Kind: KindUnrecoverable, Err: err}
	}
	return out, nil
}

// extractDTCs reads the quoted codes after the array opening, stopping at
// the closing bracket or the next object key, whichever comes first.
func extractDTCs(s string) []string {
	end := strings.IndexByte(s, ']')
	if loc := nextKeyRe.FindStringIndex(s); loc != nil && (end < 0 || loc[0] < end) {
		end = loc[0]
	}
	if end >= 0 {
		s = s[:end]
	}
	codes := []string{}
	for _, g := range quotedRe.FindAllStringSubmatch(s, -1) {
		if code := strings.TrimSpace(g[1]); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
