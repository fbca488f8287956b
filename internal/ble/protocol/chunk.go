// internal/ble/protocol/chunk.go
package protocol

import (
	"encoding/base64"
	"unicode/utf8"
)

// ATTHeaderBytes is the ATT notification header subtracted from the MTU
// to get the usable value length.
const ATTHeaderBytes = 3

// ChunkText splits text into chunks that each fit within maxBytes.
// It never splits in the middle of a UTF-8 character. A rune wider than
// maxBytes is emitted on its own so the split always makes progress.
// Returns nil for empty text or a non-positive limit.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}

	var chunks []string
	for len(text) > maxBytes {
		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			_, size := utf8.DecodeRuneInString(text)
			split = size
		}
		chunks = append(chunks, text[:split])
		text = text[split:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// EncodeFrames turns one message into the notification values a peripheral
// would send for it: the text split to fit mtu, each piece transport-encoded,
// with the end marker closing the last piece. When the marker does not fit
// next to the last piece it is sent as a notification of its own.
func EncodeFrames(message string, mtu int, enc Encoding, marker string) [][]byte {
	if marker == "" {
		marker = EndMarker
	}
	limit := mtu - ATTHeaderBytes
	if enc == EncodingBase64 {
		// base64 inflates 3 bytes into 4
		limit = limit / 4 * 3
	}
	if limit < len(marker) {
		limit = len(marker)
	}

	chunks := ChunkText(message, limit)
	if n := len(chunks); n > 0 && len(chunks[n-1])+len(marker) <= limit {
		chunks[n-1] += marker
	} else {
		chunks = append(chunks, marker)
	}

	frames := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		frames = append(frames, enc.encode(c))
	}
	return frames
}

func (e Encoding) encode(text string) []byte {
	if e == EncodingBase64 {
		out := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
		base64.StdEncoding.Encode(out, []byte(text))
		return out
	}
	return []byte(text)
}
