// Package hcodec adapts HPACK header compression to the engine's opaque
// codec boundary. The engine never looks inside a header block; it hands
// fragments to a Codec and gets fields back.
package hcodec

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"

	"wireprobe/internal/h2"
)

const defaultDynamicTableSize = 4096

// Codec is one connection's stateful HPACK encoder/decoder pair. Blocks
// must be decoded exactly once, in arrival order, or the dynamic tables
// drift; the engine guarantees that ordering.
type Codec struct {
	buf bytes.Buffer
	enc *hpack.Encoder
	dec *hpack.Decoder
}

var _ h2.HeaderCodec = (*Codec)(nil)

// New returns a codec with empty dynamic tables on both directions.
func New() *Codec {
	c := &Codec{}
	c.enc = hpack.NewEncoder(&c.buf)
	c.dec = hpack.NewDecoder(defaultDynamicTableSize, nil)
	return c
}

// Encode compresses fields into a single complete header block.
func (c *Codec) Encode(fields []h2.HeaderField) ([]byte, error) {
	c.buf.Reset()
	for _, f := range fields {
		if err := c.enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, fmt.Errorf("hpack encode %q: %w", f.Name, err)
		}
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Decode decompresses one complete header block.
func (c *Codec) Decode(block []byte) ([]h2.HeaderField, error) {
	hfs, err := c.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("hpack decode: %w", err)
	}
	out := make([]h2.HeaderField, len(hfs))
	for i, f := range hfs {
		out[i] = h2.HeaderField{Name: f.Name, Value: f.Value}
	}
	return out, nil
}
