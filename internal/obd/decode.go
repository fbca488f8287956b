package obd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrorKind classifies why a payload was rejected.
type ErrorKind string

const (
	KindNotObject     ErrorKind = "not-object"    // failed the {...} pre-check
	KindSyntax        ErrorKind = "syntax"        // not valid JSON
	KindSchema        ErrorKind = "schema"        // valid JSON, wrong fields or types
	KindUnrecoverable ErrorKind = "unrecoverable" // repair was not possible
)

// DecodeError reports a rejected payload.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "obd: " + string(e.Kind)
	}
	return fmt.Sprintf("obd: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoded is a reading that passed validation.
type Decoded struct {
	Message  DiagnosticMessage
	Raw      string // text stored in history: trimmed input, or canonical JSON when repaired
	Repaired bool
}

// Parse strictly decodes raw. It never attempts repair.
func Parse(raw string) (DiagnosticMessage, error) {
	s := strings.TrimSpace(raw)
	if !looksLikeObject(s) {
		return DiagnosticMessage{}, &DecodeError{Kind: KindNotObject}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return DiagnosticMessage{}, &DecodeError{Kind: KindSyntax, Err: err}
	}

	var m DiagnosticMessage
	if err := requireField(fields, "dtcs", &m.DTCs); err != nil {
		return DiagnosticMessage{}, err
	}
	if m.DTCs == nil {
		return DiagnosticMessage{}, schemaError("dtcs must be an array")
	}
	if err := requireField(fields, "coolant_temp_c", &m.CoolantTempC); err != nil {
		return DiagnosticMessage{}, err
	}
	if err := requireField(fields, "check_engine_light", &m.CheckEngineLight); err != nil {
		return DiagnosticMessage{}, err
	}
	if v, ok := fields["vin"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &m.VIN); err != nil {
			return DiagnosticMessage{}, schemaError("vin must be a string")
		}
	}
	return m, nil
}

func requireField(fields map[string]json.RawMessage, name string, dst any) error {
	v, ok := fields[name]
	if !ok {
		return schemaError("missing " + name)
	}
	if string(v) == "null" {
		return schemaError(name + " is null")
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return schemaError(fmt.Sprintf("%s has wrong type: %v", name, err))
	}
	return nil
}

func schemaError(msg string) error {
	return &DecodeError{Kind: KindSchema, Err: fmt.Errorf("%s", msg)}
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// Stats counts decoder outcomes.
type Stats struct {
	Decoded  int `json:"decoded"`
	Repaired int `json:"repaired"`
	Dropped  int `json:"dropped"`
}

// Decoder validates reassembled messages, falling back to structural
// repair when strict parsing fails. Safe for concurrent use.
type Decoder struct {
	mu    sync.Mutex
	stats Stats
}

// NewDecoder returns a Decoder with zeroed stats.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode returns the validated reading for raw. Schema violations in
// well-formed JSON are rejected outright; malformed or truncated text goes
// through Repair. Every rejection is logged and counted, never surfaced.
func (d *Decoder) Decode(raw string) (Decoded, error) {
	s := strings.TrimSpace(raw)
	m, err := Parse(s)
	if err == nil {
		d.count(func(st *Stats) { st.Decoded++ })
		return Decoded{Message: m, Raw: s}, nil
	}

	var derr *DecodeError
	if errors.As(err, &derr) && derr.Kind == KindSchema {
		d.drop(s, err)
		return Decoded{}, err
	}

	repaired, rerr := Repair(s)
	if rerr != nil {
		d.drop(s, rerr)
		return Decoded{}, rerr
	}
	n := d.count(func(st *Stats) { st.Repaired++ })
	slog.Warn("[OBD] payload repaired", "reason", err, "repairs", n.Repaired, "raw", s)
	return Decoded{Message: repaired, Raw: Encode(repaired), Repaired: true}, nil
}

// Stats returns a copy of the counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Decoder) drop(raw string, err error) {
	n := d.count(func(st *Stats) { st.Dropped++ })
	slog.Warn("[OBD] dropping invalid message", "error", err, "dropped", n.Dropped, "raw", raw)
}

func (d *Decoder) count(fn func(*Stats)) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.stats)
	return d.stats
}
