package h2

import "fmt"

// HeaderField is one decoded name/value pair of a header block.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderCodec compresses and decompresses header blocks. The engine treats
// header compression as an opaque, stateful codec: one encoder/decoder pair
// per connection, blocks decoded exactly once in arrival order.
type HeaderCodec interface {
	Encode(fields []HeaderField) ([]byte, error)
	Decode(block []byte) ([]HeaderField, error)
}

// Event is something a dispatched frame made observable. Events are returned
// in emission order; the engine never acts on them itself.
type Event interface {
	fmt.Stringer
	event()
}

// HeadersReceived reports a decoded header block on a stream.
type HeadersReceived struct {
	StreamID  uint32
	Headers   []HeaderField
	EndStream bool
}

// DataReceived reports a DATA payload. It is emitted for every DATA frame,
// whatever the stream or connection state.
type DataReceived struct {
	StreamID             uint32
	Data                 []byte
	FlowControlledLength int64
	EndStream            bool
}

// StreamEnded reports that the peer half-closed a stream with END_STREAM.
type StreamEnded struct {
	StreamID uint32
}

// StreamReset reports an RST_STREAM from the peer. Resets the engine
// queues on its own, like a refused push or the reply on an already-reset
// stream, are wire traffic only and surface no event.
type StreamReset struct {
	StreamID uint32
	Code     ErrCode
	Remote   bool
}

// WindowUpdated reports a flow-control window increment. StreamID 0 is the
// connection window.
type WindowUpdated struct {
	StreamID uint32
	Delta    uint32
}

// PriorityUpdated reports a PRIORITY frame or the priority section of a
// HEADERS frame. Weight is the wire weight plus one, so 1 through 256.
type PriorityUpdated struct {
	StreamID  uint32
	DependsOn uint32
	Exclusive bool
	Weight    uint16
}

// PushPromiseReceived reports a promised stream and its request headers.
type PushPromiseReceived struct {
	ParentStreamID   uint32
	PromisedStreamID uint32
	Headers          []HeaderField
}

// SettingsReceived reports a non-ACK SETTINGS frame in wire order.
type SettingsReceived struct {
	Settings []Setting
}

// SettingsAcked reports a SETTINGS ACK from the peer.
type SettingsAcked struct{}

// PingReceived reports a PING; the engine has already queued the ACK.
type PingReceived struct {
	Data [8]byte
}

// PingAckReceived reports a PING ACK.
type PingAckReceived struct {
	Data [8]byte
}

// GoAwayReceived reports a GOAWAY with its debug data preserved.
type GoAwayReceived struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

// AltSvcReceived reports an ALTSVC frame. No state changes.
type AltSvcReceived struct {
	StreamID uint32
	Origin   []byte
	Value    []byte
}

func (HeadersReceived) event()     {}
func (DataReceived) event()        {}
func (StreamEnded) event()         {}
func (StreamReset) event()         {}
func (WindowUpdated) event()       {}
func (PriorityUpdated) event()     {}
func (PushPromiseReceived) event() {}
func (SettingsReceived) event()    {}
func (SettingsAcked) event()       {}
func (PingReceived) event()        {}
func (PingAckReceived) event()     {}
func (GoAwayReceived) event()      {}
func (AltSvcReceived) event()      {}

func (e HeadersReceived) String() string {
	return fmt.Sprintf("HeadersReceived(stream=%d fields=%d end_stream=%t)", e.StreamID, len(e.Headers), e.EndStream)
}

func (e DataReceived) String() string {
	return fmt.Sprintf("DataReceived(stream=%d len=%d flow=%d end_stream=%t)", e.StreamID, len(e.Data), e.FlowControlledLength, e.EndStream)
}

func (e StreamEnded) String() string {
	return fmt.Sprintf("StreamEnded(stream=%d)", e.StreamID)
}

func (e StreamReset) String() string {
	return fmt.Sprintf("StreamReset(stream=%d code=%s remote=%t)", e.StreamID, e.Code, e.Remote)
}

func (e WindowUpdated) String() string {
	return fmt.Sprintf("WindowUpdated(stream=%d delta=%d)", e.StreamID, e.Delta)
}

func (e PriorityUpdated) String() string {
	return fmt.Sprintf("PriorityUpdated(stream=%d depends_on=%d exclusive=%t weight=%d)", e.StreamID, e.DependsOn, e.Exclusive, e.Weight)
}

func (e PushPromiseReceived) String() string {
	return fmt.Sprintf("PushPromiseReceived(parent=%d promised=%d fields=%d)", e.ParentStreamID, e.PromisedStreamID, len(e.Headers))
}

func (e SettingsReceived) String() string {
	return fmt.Sprintf("SettingsReceived(%d pairs)", len(e.Settings))
}

func (e SettingsAcked) String() string { return "SettingsAcked" }

func (e PingReceived) String() string {
	return fmt.Sprintf("PingReceived(%x)", e.Data)
}

func (e PingAckReceived) String() string {
	return fmt.Sprintf("PingAckReceived(%x)", e.Data)
}

func (e GoAwayReceived) String() string {
	return fmt.Sprintf("GoAwayReceived(last_stream=%d code=%s debug=%dB)", e.LastStreamID, e.Code, len(e.DebugData))
}

func (e AltSvcReceived) String() string {
	return fmt.Sprintf("AltSvcReceived(stream=%d origin=%q)", e.StreamID, e.Origin)
}
