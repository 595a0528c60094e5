package probe

import (
	"wireprobe/internal/h2"
)

// eventName maps an engine event to the name scenarios match on.
func eventName(ev h2.Event) string {
	switch ev.(type) {
	case h2.HeadersReceived:
		return "headers_received"
	case h2.DataReceived:
		return "data_received"
	case h2.StreamEnded:
		return "stream_ended"
	case h2.StreamReset:
		return "stream_reset"
	case h2.WindowUpdated:
		return "window_updated"
	case h2.PriorityUpdated:
		return "priority_updated"
	case h2.PushPromiseReceived:
		return "push_promise_received"
	case h2.SettingsReceived:
		return "settings_received"
	case h2.SettingsAcked:
		return "settings_acked"
	case h2.PingReceived:
		return "ping_received"
	case h2.PingAckReceived:
		return "ping_ack_received"
	case h2.GoAwayReceived:
		return "goaway_received"
	case h2.AltSvcReceived:
		return "altsvc_received"
	default:
		return "unknown"
	}
}

// eventStream is the stream id an event is about, 0 for connection-level
// events. Push promises match on the promised id.
func eventStream(ev h2.Event) uint32 {
	switch e := ev.(type) {
	case h2.HeadersReceived:
		return e.StreamID
	case h2.DataReceived:
		return e.StreamID
	case h2.StreamEnded:
		return e.StreamID
	case h2.StreamReset:
		return e.StreamID
	case h2.WindowUpdated:
		return e.StreamID
	case h2.PriorityUpdated:
		return e.StreamID
	case h2.PushPromiseReceived:
		return e.PromisedStreamID
	case h2.AltSvcReceived:
		return e.StreamID
	default:
		return 0
	}
}

// frameCounter splits one direction of the wire stream back into frames
// for accounting. It tolerates chunks cut anywhere, and a leading
// connection preface.
type frameCounter struct {
	buf         []byte
	prefaceDone bool
}

func (f *frameCounter) feed(data []byte) []h2.FrameHeader {
	f.buf = append(f.buf, data...)

	if !f.prefaceDone {
		switch {
		case len(f.buf) >= len(h2.ClientPreface) &&
			(string(f.buf[:len(h2.ClientPreface)]) == h2.ClientPreface ||
				string(f.buf[:len(h2.IncorrectClientPreface)]) == h2.IncorrectClientPreface):
			f.buf = f.buf[len(h2.ClientPreface):]
			f.prefaceDone = true
		case isPrefacePrefix(f.buf):
			return nil
		default:
			f.prefaceDone = true
		}
	}

	var headers []h2.FrameHeader
	for len(f.buf) >= 9 {
		var hb [9]byte
		copy(hb[:], f.buf)
		h := h2.ParseFrameHeader(hb)
		total := 9 + int(h.Length)
		if len(f.buf) < total {
			break
		}
		headers = append(headers, h)
		f.buf = append(f.buf[:0:0], f.buf[total:]...)
	}
	return headers
}

func isPrefacePrefix(b []byte) bool {
	if len(b) >= len(h2.ClientPreface) {
		return false
	}
	s := string(b)
	return s == h2.ClientPreface[:len(b)] || s == h2.IncorrectClientPreface[:len(b)]
}
