package obd

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseValid(t *testing.T) {
	m, err := Parse(`  {"dtcs":["P0128","P0300"],"coolant_temp_c":85.5,"check_engine_light":true,"vin":"1HGCM82633A004352"}  `)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := DiagnosticMessage{
		DTCs:             []string{"P0128", "P0300"},
		CoolantTempC:     85.5,
		CheckEngineLight: true,
		VIN:              "1HGCM82633A004352",
	}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("Parse() = %+v, want %+v", m, want)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind ErrorKind
	}{
		{"not an object", `["P0128"]`, KindNotObject},
		{"empty", "   ", KindNotObject},
		{"syntax", `{"dtcs":[}`, KindSyntax},
		{"missing dtcs", `{"coolant_temp_c":85,"check_engine_light":true}`, KindSchema},
		{"null dtcs", `{"dtcs":null,"coolant_temp_c":85,"check_engine_light":true}`, KindSchema},
		{"dtcs not strings", `{"dtcs":[1,2],"coolant_temp_c":85,"check_engine_light":true}`, KindSchema},
		{"missing coolant", `{"dtcs":[],"check_engine_light":true}`, KindSchema},
		{"coolant as string", `{"dtcs":[],"coolant_temp_c":"85","check_engine_light":true}`, KindSchema},
		{"missing check engine", `{"dtcs":[],"coolant_temp_c":85}`, KindSchema},
		{"check engine as int", `{"dtcs":[],"coolant_temp_c":85,"check_engine_light":1}`, KindSchema},
		{"vin as number", `{"dtcs":[],"coolant_temp_c":85,"check_engine_light":false,"vin":42}`, KindSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("Parse() error = %v, want *DecodeError", err)
			}
			if derr.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", derr.Kind, tt.kind)
			}
		})
	}
}

func TestParseNullVINIsAbsent(t *testing.T) {
	m, err := Parse(`{"dtcs":[],"coolant_temp_c":20,"check_engine_light":false,"vin":null}`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.VIN != "" {
		t.Errorf("VIN = %q, want empty", m.VIN)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []DiagnosticMessage{
		{DTCs: []string{}, CoolantTempC: 20},
		{DTCs: []string{"P0128"}, CoolantTempC: 85, CheckEngineLight: true},
		{DTCs: []string{"P0128", "C0035", "U0100"}, CoolantTempC: -12.25, VIN: "WVWZZZ1JZXW000001"},
	}
	d := NewDecoder()
	for _, m := range msgs {
		got, err := d.Decode(Encode(m))
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)) error = %v", m, err)
		}
		if got.Repaired {
			t.Errorf("Decode(Encode(%+v)) was repaired", m)
		}
		if !reflect.DeepEqual(got.Message, m) {
			t.Errorf("round trip = %+v, want %+v", got.Message, m)
		}
	}
}

func TestEncodeNilDTCs(t *testing.T) {
	if got := Encode(DiagnosticMessage{}); got != `{"dtcs":[],"coolant_temp_c":0,"check_engine_light":false}` {
		t.Errorf("Encode() = %s", got)
	}
}

func TestDecoderRepairsTruncatedPayload(t *testing.T) {
	d := NewDecoder()
	got, err := d.Decode(`{"dtcs":["P0128","coolant_temp_c":85,"check_engine_light":tr`)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !got.Repaired {
		t.Error("Repaired = false, want true")
	}
	if !reflect.DeepEqual(got.Message.DTCs, []string{"P0128"}) {
		t.Errorf("DTCs = %v, want [P0128]", got.Message.DTCs)
	}
	if got.Message.CoolantTempC != 85 {
		t.Errorf("CoolantTempC = %v, want 85", got.Message.CoolantTempC)
	}
	if got.Message.CheckEngineLight {
		t.Error("CheckEngineLight = true, want false for a truncated token")
	}
	if got.Message.VIN != UnknownVIN {
		t.Errorf("VIN = %q, want %q", got.Message.VIN, UnknownVIN)
	}
	if _, err := Parse(got.Raw); err != nil {
		t.Errorf("repaired Raw %q does not parse: %v", got.Raw, err)
	}
	if st := d.Stats(); st.Repaired != 1 || st.Decoded != 0 {
		t.Errorf("Stats() = %+v, want one repair", st)
	}
}

func TestDecoderRepairKeepsVINAndFlag(t *testing.T) {
	d := NewDecoder()
	got, err := d.Decode(`{"dtcs":["P0300","P0171"],"coolant_temp_c":102,"check_engine_light":true,"vin":"1HGCM8263`)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got.Message.DTCs, []string{"P0300", "P0171"}) {
		t.Errorf("DTCs = %v", got.Message.DTCs)
	}
	if !got.Message.CheckEngineLight {
		t.Error("CheckEngineLight = false, want true")
	}
	if got.Message.VIN != UnknownVIN {
		t.Errorf("VIN = %q, want %q for a cut-off VIN", got.Message.VIN, UnknownVIN)
	}
}

func TestRepairStopsDTCsAtNextKeyBeforeLaterBracket(t *testing.T) {
	got, err := Repair(`{"dtcs":["P0128","coolant_temp_c":85,"check_engine_light":true,"note":"see [1]"`)
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if !reflect.DeepEqual(got.DTCs, []string{"P0128"}) {
		t.Errorf("DTCs = %v, want [P0128]", got.DTCs)
	}
	if got.CoolantTempC != 85 || !got.CheckEngineLight {
		t.Errorf("Repair() = %+v", got)
	}
}

func TestDecoderDropsUnrelatedText(t *testing.T) {
	d := NewDecoder()
	for _, raw := range []string{`hello`, `{"status":"ok"`, `{"dtcs":["P0128"]`} {
		if _, err := d.Decode(raw); err == nil {
			t.Errorf("Decode(%q) should fail", raw)
		}
	}
	if got := d.Stats().Dropped; got != 3 {
		t.Errorf("Stats().Dropped = %d, want 3", got)
	}
}

func TestDecoderDoesNotRepairSchemaViolations(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(`{"dtcs":["P0128"],"coolant_temp_c":"hot","check_engine_light":true}`)
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Kind != KindSchema {
		t.Fatalf("Decode() error = %v, want schema error", err)
	}
	if d.Stats().Repaired != 0 {
		t.Error("schema violation should not be repaired")
	}
}

func TestDecoderKeepsTrimmedRaw(t *testing.T) {
	d := NewDecoder()
	raw := `{"dtcs":["P0128"],"coolant_temp_c":85,"check_engine_light":true}`
	got, err := d.Decode("\n " + raw + "\r\n")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Raw != raw {
		t.Errorf("Raw = %q, want %q", got.Raw, raw)
	}
}

func TestFormat(t *testing.T) {
	f := Format(DiagnosticMessage{DTCs: []string{"P0128", "P0300"}, CoolantTempC: 85})
	if f.CoolantTempF != 185 {
		t.Errorf("CoolantTempF = %d, want 185", f.CoolantTempF)
	}
	if f.DTCsFormatted != "P0128, P0300" {
		t.Errorf("DTCsFormatted = %q", f.DTCsFormatted)
	}
	if got := Format(DiagnosticMessage{CoolantTempC: 20}).DTCsFormatted; got != "None detected" {
		t.Errorf("empty DTCsFormatted = %q, want %q", got, "None detected")
	}
}
