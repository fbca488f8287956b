// internal/ble/protocol/chunk_test.go
package protocol

import (
	"encoding/base64"
	"strings"
	"testing"
)

const testMaxBytes = 50 // small limit for easy testing

func TestChunkTextFitsInOne(t *testing.T) {
	chunks := ChunkText(`{"dtcs":[]}`, testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0] != `{"dtcs":[]}` {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], `{"dtcs":[]}`)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	chunks := ChunkText("", testMaxBytes)
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty string, want 0", len(chunks))
	}
}

func TestChunkTextSplitsAndReassembles(t *testing.T) {
	text := `{"dtcs":["P0128","P0300","P0171"],"coolant_temp_c":85,"check_engine_light":true,"vin":"1HGCM82633A004352"}`
	chunks := ChunkText(text, testMaxBytes)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkTextUTF8NeverSplitsMidChar(t *testing.T) {
	text := "\U0001F600\U0001F601\U0001F602\U0001F603\U0001F604" // 5 emojis = 20 bytes
	chunks := ChunkText(text, 10)
	for i, c := range chunks {
		if len(c) > 10 {
			t.Errorf("chunk[%d] len=%d exceeds max=10", i, len(c))
		}
		for _, r := range c {
			if r == '\uFFFD' {
				t.Errorf("chunk[%d] contains replacement character (split mid-rune)", i)
			}
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkTextExactFit(t *testing.T) {
	text := strings.Repeat("a", testMaxBytes)
	chunks := ChunkText(text, testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestChunkTextOneByteOver(t *testing.T) {
	text := strings.Repeat("a", testMaxBytes+1)
	chunks := ChunkText(text, testMaxBytes)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}

func TestChunkTextZeroMax(t *testing.T) {
	if chunks := ChunkText("hello", 0); chunks != nil {
		t.Errorf("ChunkText with maxBytes=0 should return nil, got %v", chunks)
	}
}

func TestChunkTextMaxSmallerThanRune(t *testing.T) {
	text := "\U0001F600" // 4 bytes
	chunks := ChunkText(text, 1)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (single rune forced)", len(chunks))
	}
	if chunks[0] != text {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], text)
	}
}

func TestEncodeFramesRawAppendsMarker(t *testing.T) {
	frames := EncodeFrames(`{"dtcs":[]}`, 512, EncodingRaw, "")
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if got := string(frames[0]); got != `{"dtcs":[]}`+EndMarker {
		t.Errorf("frame = %q", got)
	}
}

func TestEncodeFramesRespectsMTU(t *testing.T) {
	msg := `{"dtcs":["P0128","P0300"],"coolant_temp_c":85,"check_engine_light":true}`
	const mtu = 23
	for _, enc := range []Encoding{EncodingRaw, EncodingBase64} {
		frames := EncodeFrames(msg, mtu, enc, "")
		var text strings.Builder
		for i, f := range frames {
			if len(f) > mtu-ATTHeaderBytes {
				t.Errorf("%s: frame[%d] len=%d exceeds %d", enc, i, len(f), mtu-ATTHeaderBytes)
			}
			if enc == EncodingBase64 {
				dec, err := base64.StdEncoding.DecodeString(string(f))
				if err != nil {
					t.Fatalf("%s: frame[%d] not base64: %v", enc, i, err)
				}
				text.Write(dec)
			} else {
				text.Write(f)
			}
		}
		if got := text.String(); got != msg+EndMarker {
			t.Errorf("%s: joined = %q, want %q", enc, got, msg+EndMarker)
		}
	}
}

func TestEncodeFramesMarkerStandalone(t *testing.T) {
	// 20 usable bytes: a 20-byte message leaves no room for the marker.
	msg := strings.Repeat("x", 20)
	frames := EncodeFrames(msg, 23, EncodingRaw, "")
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[1]) != EndMarker {
		t.Errorf("last frame = %q, want bare marker", frames[1])
	}
}
