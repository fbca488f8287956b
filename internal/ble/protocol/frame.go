// Package protocol implements the framing used by the ESP32-DTC peripheral:
// a JSON document is split across characteristic notifications and the
// last one carries an explicit end marker. There is no length prefix.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EndMarker terminates one logical message on the wire.
const EndMarker = "##END##"

// Default guards for a buffer whose end marker never arrives.
const (
	DefaultMaxBufferBytes = 16 * 1024
	DefaultIdleTimeout    = 5 * time.Second
)

// Encoding is the transport encoding of a single notification value.
type Encoding string

const (
	// EncodingBase64 carries the text fragment as standard base64.
	EncodingBase64 Encoding = "base64"
	// EncodingRaw carries the UTF-8 text fragment as-is.
	EncodingRaw Encoding = "raw"
)

// ParseEncoding maps a config value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingBase64, EncodingRaw:
		return Encoding(s), nil
	case "":
		return EncodingBase64, nil
	}
	return "", fmt.Errorf("protocol: unknown encoding %q", s)
}

// ErrBadFragment is returned by Feed when a notification cannot be decoded
// from its transport encoding. The fragment is dropped; buffered text is kept.
var ErrBadFragment = errors.New("protocol: undecodable fragment")

// ReassemblerOptions configures a Reassembler.
type ReassemblerOptions struct {
	Encoding       Encoding
	EndMarker      string
	MaxBufferBytes int           // buffered bytes allowed without a marker
	IdleTimeout    time.Duration // gap after which a partial buffer is stale; 0 disables

	now func() time.Time
}

// Stats counts what a Reassembler has seen since it was created.
type Stats struct {
	Fragments    int `json:"fragments"`     // notifications fed
	Messages     int `json:"messages"`      // complete messages emitted
	BadFragments int `json:"bad_fragments"` // notifications that failed transport decoding
	Overflows    int `json:"overflows"`     // buffers discarded for exceeding MaxBufferBytes
	Stalls       int `json:"stalls"`        // buffers discarded for exceeding IdleTimeout
}

// Reassembler accumulates notification fragments for one connection and
// emits complete messages when the end marker is seen. Fragments must be
// fed in arrival order. Safe for concurrent use.
type Reassembler struct {
	opts ReassemblerOptions

	mu       sync.Mutex
	buf      strings.Builder
	lastFeed time.Time
	stats    Stats
}

// NewReassembler creates an empty Reassembler. Zero options fall back to
// base64, EndMarker and DefaultMaxBufferBytes.
func NewReassembler(opts ReassemblerOptions) *Reassembler {
	if opts.Encoding == "" {
		opts.Encoding = EncodingBase64
	}
	if opts.EndMarker == "" {
		opts.EndMarker = EndMarker
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Reassembler{opts: opts}
}

// Feed decodes one notification value and appends it to the buffer.
// It returns every message completed by this fragment, in order, with the
// marker stripped. Empty messages (a marker with nothing buffered) are
// not returned.
func (r *Reassembler) Feed(data []byte) ([]string, error) {
	fragment, err := r.decode(data)
	if err != nil {
		r.mu.Lock()
		r.stats.Fragments++
		r.stats.BadFragments++
		r.mu.Unlock()
		return nil, err
	}
	return r.FeedText(fragment), nil
}

// FeedText appends an already-decoded text fragment.
func (r *Reassembler) FeedText(fragment string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Fragments++
	now := r.opts.now()
	if r.opts.IdleTimeout > 0 && r.buf.Len() > 0 && now.Sub(r.lastFeed) > r.opts.IdleTimeout {
		slog.Warn("[BLE] framing timeout, discarding stale buffer",
			"buffered", r.buf.Len(), "idle", now.Sub(r.lastFeed).Round(time.Millisecond))
		r.stats.Stalls++
		r.buf.Reset()
	}
	r.lastFeed = now

	marker := r.opts.EndMarker
	// Rescan the tail of what is already buffered so a marker split across
	// two notifications is still found.
	from := r.buf.Len() - (len(marker) - 1)
	if from < 0 {
		from = 0
	}
	r.buf.WriteString(fragment)

	var out []string
	for {
		pending := r.buf.String()
		idx := strings.Index(pending[from:], marker)
		if idx < 0 {
			break
		}
		idx += from
		if msg := pending[:idx]; msg != "" {
			out = append(out, msg)
			r.stats.Messages++
		}
		rest := pending[idx+len(marker):]
		r.buf.Reset()
		r.buf.WriteString(rest)
		from = 0
	}

	if r.buf.Len() > r.opts.MaxBufferBytes {
		slog.Warn("[BLE] frame buffer overflow, discarding",
			"buffered", r.buf.Len(), "limit", r.opts.MaxBufferBytes)
		r.stats.Overflows++
		r.buf.Reset()
	}
	return out
}

// Reset discards any partially buffered message.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
}

// Buffered returns the number of bytes waiting for an end marker.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// Stats returns a copy of the counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reassembler) decode(data []byte) (string, error) {
	if r.opts.Encoding == EncodingRaw {
		return string(data), nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	return string(out[:n]), nil
}
