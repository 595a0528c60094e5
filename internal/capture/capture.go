// Package capture writes per-session frame transcripts: a JSONL log of
// every frame in both directions, and optionally a synthetic pcap so
// the same bytes can be inspected in Wireshark.
package capture

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"wireprobe/internal/h2"
)

// Direction tags a record with who produced the bytes.
type Direction string

const (
	DirSend Direction = "send"
	DirRecv Direction = "recv"
)

// Record is one transcript line.
type Record struct {
	Time     string `json:"ts"`
	Dir      string `json:"dir"`
	Kind     string `json:"kind"` // frame type name, or "preface"
	StreamID uint32 `json:"stream,omitempty"`
	Flags    uint8  `json:"flags,omitempty"`
	Length   uint32 `json:"length"`
	Raw      string `json:"raw"` // hex of the full wire bytes
}

// Options selects the transcript sinks. Empty paths disable a sink.
type Options struct {
	File    string
	Gzip    bool
	PCAP    string
	SnapLen int
}

// dirState reassembles one direction's byte stream into whole frames.
type dirState struct {
	buf         []byte
	prefaceDone bool
}

// Writer records both directions of a probe session. Safe for use from
// a nil receiver: every method is a no-op then.
type Writer struct {
	mu sync.Mutex

	file *os.File
	gz   *gzip.Writer
	enc  *json.Encoder

	pcap *pcapWriter

	send dirState
	recv dirState

	now func() time.Time
}

// NewWriter opens the configured sinks. With no sinks configured it
// returns nil, which records nothing.
func NewWriter(opts Options) (*Writer, error) {
	if opts.File == "" && opts.PCAP == "" {
		return nil, nil
	}
	w := &Writer{now: time.Now}

	if opts.File != "" {
		f, err := os.Create(opts.File)
		if err != nil {
			return nil, err
		}
		w.file = f
		var sink io.Writer = f
		if opts.Gzip || strings.HasSuffix(opts.File, ".gz") {
			w.gz = gzip.NewWriter(f)
			sink = w.gz
		}
		w.enc = json.NewEncoder(sink)
	}

	if opts.PCAP != "" {
		p, err := newPCAPWriter(opts.PCAP, opts.SnapLen)
		if err != nil {
			if w.file != nil {
				_ = w.file.Close()
			}
			return nil, err
		}
		w.pcap = p
	}
	return w, nil
}

// RecordStream feeds raw wire bytes for one direction. Chunks may split
// frames anywhere; whole frames are recorded as they complete.
func (w *Writer) RecordStream(dir Direction, data []byte) error {
	if w == nil || len(data) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	d := &w.send
	if dir == DirRecv {
		d = &w.recv
	}
	d.buf = append(d.buf, data...)
	return w.drain(dir, d)
}

func (w *Writer) drain(dir Direction, d *dirState) error {
	if !d.prefaceDone {
		switch {
		case hasPreface(d.buf):
			raw := d.buf[:len(h2.ClientPreface)]
			if err := w.emit(dir, "preface", h2.FrameHeader{Length: uint32(len(raw))}, raw); err != nil {
				return err
			}
			d.buf = d.buf[len(raw):]
			d.prefaceDone = true
		case prefacePrefix(d.buf):
			return nil
		default:
			d.prefaceDone = true
		}
	}

	for len(d.buf) >= 9 {
		var hb [9]byte
		copy(hb[:], d.buf)
		h := h2.ParseFrameHeader(hb)
		total := 9 + int(h.Length)
		if len(d.buf) < total {
			return nil
		}
		raw := d.buf[:total]
		if err := w.emit(dir, h.Type.String(), h, raw); err != nil {
			return err
		}
		d.buf = append(d.buf[:0:0], d.buf[total:]...)
	}
	return nil
}

func (w *Writer) emit(dir Direction, kind string, h h2.FrameHeader, raw []byte) error {
	ts := w.now()
	if w.enc != nil {
		rec := Record{
			Time:     ts.UTC().Format(time.RFC3339Nano),
			Dir:      string(dir),
			Kind:     kind,
			StreamID: h.StreamID,
			Flags:    uint8(h.Flags),
			Length:   h.Length,
			Raw:      hex.EncodeToString(raw),
		}
		if err := w.enc.Encode(rec); err != nil {
			return err
		}
	}
	if w.pcap != nil {
		if err := w.pcap.writeSegment(dir, ts, raw); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes all sinks.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var first error
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			first = err
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	if w.pcap != nil {
		if err := w.pcap.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func hasPreface(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte(h2.ClientPreface)) ||
		bytes.HasPrefix(buf, []byte(h2.IncorrectClientPreface))
}

// prefacePrefix reports whether buf could still grow into a preface.
func prefacePrefix(buf []byte) bool {
	if len(buf) >= len(h2.ClientPreface) {
		return false
	}
	return bytes.HasPrefix([]byte(h2.ClientPreface), buf) ||
		bytes.HasPrefix([]byte(h2.IncorrectClientPreface), buf)
}
