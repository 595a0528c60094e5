// Package h2 implements a deliberately permissive HTTP/2 protocol engine
// for probing how peers react to conformance violations. It reassembles and
// parses frames, runs connection and stream state machines, and keeps flow
// control windows, but selected checks are disabled through a Policy: DATA
// and HEADERS are legal on an idle connection, SETTINGS values are stored
// unvalidated, RST_STREAM bodies are ignored, stray CONTINUATION frames are
// tolerated, and more.
//
// The engine is single-threaded and synchronous. It never touches a socket:
// the caller feeds inbound bytes to ReceiveData, drains outbound bytes with
// DataToSend after every operation, and interprets the returned events.
package h2

import (
	"errors"
	"fmt"
	"log"
)

// connState is the simplified connection lattice. The only distinction the
// engine enforces is idle versus not-idle; closing and closed exist so
// GOAWAY and poisoning have somewhere to land.
type connState uint8

const (
	connIdle connState = iota
	connOpen
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connIdle:
		return "idle"
	case connOpen:
		return "open"
	case connClosing:
		return "closing"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connInput is a (direction, frame kind) pair fed to the connection state
// machine.
type connInput uint8

const (
	inputSendHeaders connInput = iota
	inputRecvHeaders
	inputSendData
	inputRecvData
	inputSendSettings
	inputRecvSettings
	inputSendPing
	inputRecvPing
	inputSendWindowUpdate
	inputRecvWindowUpdate
	inputSendRSTStream
	inputRecvRSTStream
	inputSendPriority
	inputRecvPriority
	inputRecvPushPromise
	inputSendGoAway
	inputRecvGoAway
	inputRecvAltSvc
)

var connInputNames = map[connInput]string{
	inputSendHeaders:      "SEND_HEADERS",
	inputRecvHeaders:      "RECV_HEADERS",
	inputSendData:         "SEND_DATA",
	inputRecvData:         "RECV_DATA",
	inputSendSettings:     "SEND_SETTINGS",
	inputRecvSettings:     "RECV_SETTINGS",
	inputSendPing:         "SEND_PING",
	inputRecvPing:         "RECV_PING",
	inputSendWindowUpdate: "SEND_WINDOW_UPDATE",
	inputRecvWindowUpdate: "RECV_WINDOW_UPDATE",
	inputSendRSTStream:    "SEND_RST_STREAM",
	inputRecvRSTStream:    "RECV_RST_STREAM",
	inputSendPriority:     "SEND_PRIORITY",
	inputRecvPriority:     "RECV_PRIORITY",
	inputRecvPushPromise:  "RECV_PUSH_PROMISE",
	inputSendGoAway:       "SEND_GOAWAY",
	inputRecvGoAway:       "RECV_GOAWAY",
	inputRecvAltSvc:       "RECV_ALTSVC",
}

func (in connInput) String() string {
	if s, ok := connInputNames[in]; ok {
		return s
	}
	return "UNKNOWN_INPUT"
}

// Config configures a Conn. HeaderCodec is required; everything else has a
// usable zero value apart from Policy, which most callers set to
// DefaultPolicy.
type Config struct {
	ClientSide bool
	Policy     Policy
	// HeaderCodec compresses and decompresses header blocks, one stateful
	// codec pair per connection.
	HeaderCodec HeaderCodec
	// Logger, when set, receives debug lines about relaxed acceptances.
	Logger *log.Logger
	// MaxClosedStreams bounds the closure record; 0 means
	// DefaultMaxClosedStreams.
	MaxClosedStreams int
}

// Conn is one HTTP/2 connection driven entirely by its caller. It is not
// safe for concurrent use; the caller serializes all operations.
type Conn struct {
	clientSide bool
	policy     Policy
	codec      HeaderCodec
	logger     *log.Logger

	state connState
	err   error

	buf *FrameBuffer
	out []byte

	localSettings  *Settings
	remoteSettings *Settings

	streams      map[uint32]*stream
	closed       *closedStreams
	headerFrames []Frame

	outboundWindow int64
	inboundWindow  int64

	highestInboundID  uint32
	highestOutboundID uint32

	remoteGoAwayCode ErrCode
	remoteGoAwayLast uint32
}

// NewConn returns an idle connection. Nothing goes on the wire until
// InitiateConnection or a send operation runs.
func NewConn(cfg Config) *Conn {
	if cfg.HeaderCodec == nil {
		panic("h2: Config.HeaderCodec is required")
	}
	c := &Conn{
		clientSide:     cfg.ClientSide,
		policy:         cfg.Policy,
		codec:          cfg.HeaderCodec,
		logger:         cfg.Logger,
		state:          connIdle,
		buf:            NewFrameBuffer(!cfg.ClientSide, cfg.Policy.SkipClientPreface),
		localSettings:  newLocalSettings(cfg.ClientSide),
		remoteSettings: newPeerSettings(!cfg.ClientSide),
		streams:        make(map[uint32]*stream),
		closed:         newClosedStreams(cfg.MaxClosedStreams),
		outboundWindow: defaultInitialWindowSize,
		inboundWindow:  defaultInitialWindowSize,
	}
	c.buf.relaxedRST = cfg.Policy.RSTStreamBodyIgnored
	return c
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// fail poisons the connection: the error is returned by every later call.
func (c *Conn) fail(err error) {
	if c.err == nil {
		c.err = err
		c.state = connClosed
	}
}

// Err returns the error that poisoned the connection, if any.
func (c *Conn) Err() error { return c.err }

// processInput runs the connection state machine. On an idle connection the
// four relaxed inputs are accepted without any transition; everything else
// goes through normal validation.
func (c *Conn) processInput(in connInput) error {
	if c.state == connIdle {
		switch in {
		case inputSendData, inputRecvData, inputSendHeaders, inputRecvHeaders:
			if c.policy.IdleDataHeadersAllowed {
				c.logf("h2: %s accepted on idle connection", in)
				return nil
			}
		}
	}
	switch c.state {
	case connIdle:
		switch in {
		case inputSendSettings, inputRecvSettings:
			c.state = connOpen
		case inputSendHeaders, inputRecvHeaders:
			// strict path, only reachable with the idle relaxation off
			c.state = connOpen
		case inputSendGoAway, inputRecvGoAway:
			c.state = connClosing
		case inputSendPriority, inputRecvPriority,
			inputSendPing, inputRecvPing,
			inputSendWindowUpdate, inputRecvWindowUpdate:
			// legal before the handshake, no transition
		case inputRecvAltSvc:
			c.state = connOpen
		default:
			return protocolErrf("%s on idle connection", in)
		}
	case connOpen:
		switch in {
		case inputSendGoAway, inputRecvGoAway:
			c.state = connClosing
		}
	case connClosing:
		// draining: everything is tolerated
	case connClosed:
		return protocolErrf("%s on closed connection", in)
	}
	return nil
}

// InitiateConnection queues the handshake bytes. With SkipClientPreface set
// nothing is emitted at all and the connection stays idle. Servers send no
// preamble. The SETTINGS frame, and its state transition, are skipped under
// SkipInitialSettings.
func (c *Conn) InitiateConnection() error {
	if c.err != nil {
		return c.err
	}
	if c.policy.SkipClientPreface {
		return nil
	}
	if c.clientSide {
		if c.policy.IncorrectPreface {
			c.out = append(c.out, prefaceHTTP1...)
		} else {
			c.out = append(c.out, prefaceHTTP2...)
		}
	}
	if !c.policy.SkipInitialSettings {
		if err := c.processInput(inputSendSettings); err != nil {
			return err
		}
		c.queueFrame(&SettingsFrame{Settings: c.localSettings.wireList()})
	}
	return nil
}

// ReceiveData pushes inbound bytes through the reassembler and dispatches
// every complete frame, concatenating their events. Framing and protocol
// errors stop processing and poison the connection; a stream lookup miss
// stops the batch but leaves the connection usable.
func (c *Conn) ReceiveData(data []byte) ([]Event, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.buf.Push(data)
	var events []Event
	for {
		f, err := c.buf.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return events, nil
		}
		if err != nil {
			c.fail(err)
			return events, err
		}
		evs, err := c.Dispatch(f)
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
	}
}

// Dispatch routes one frame to its handler and returns the events it
// produced. Frames the handler wants sent, like PING and SETTINGS ACKs or a
// REFUSED_STREAM reset, are queued for DataToSend.
func (c *Conn) Dispatch(f Frame) ([]Event, error) {
	if c.err != nil {
		return nil, c.err
	}
	events, err := c.dispatch(f)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		c.fail(err)
	}
	return events, err
}

func (c *Conn) dispatch(f Frame) ([]Event, error) {
	switch f := f.(type) {
	case *HeadersFrame:
		return c.onHeaders(f)
	case *DataFrame:
		return c.onData(f)
	case *SettingsFrame:
		return c.onSettings(f)
	case *WindowUpdateFrame:
		return c.onWindowUpdate(f)
	case *RSTStreamFrame:
		return c.onRSTStream(f)
	case *PingFrame:
		return c.onPing(f)
	case *GoAwayFrame:
		return c.onGoAway(f)
	case *PriorityFrame:
		return c.onPriority(f)
	case *PushPromiseFrame:
		return c.onPushPromise(f)
	case *ContinuationFrame:
		return c.onContinuation(f)
	case *AltSvcFrame:
		return c.onAltSvc(f)
	case *UnknownFrame:
		// connection-preserving no-op
		return nil, nil
	default:
		return nil, protocolErrf("unhandled frame %T", f)
	}
}

// getStream resolves a live stream. A recorded closure returns
// errStreamClosed, anything else ErrStreamNotFound; each dispatch path
// decides which of the two it tolerates.
func (c *Conn) getStream(id uint32) (*stream, error) {
	if s, ok := c.streams[id]; ok {
		return s, nil
	}
	if reason, ok := c.closed.lookup(id); ok {
		return nil, fmt.Errorf("stream %d closed (%s): %w", id, reason, errStreamClosed)
	}
	return nil, fmt.Errorf("no such stream %d: %w", id, ErrStreamNotFound)
}

// openStream creates a stream with windows seeded from both settings
// tables. Direction is a property of the id alone: odd ids belong to the
// client side, even ids to the server side. The highest-id mark for that
// direction is overwritten unconditionally, so opening a lower id later
// moves it backwards. There is no parity or monotonicity validation: the
// engine opens whatever id it is told to.
func (c *Conn) openStream(id uint32) *stream {
	s := newStream(id, c.localSettings.InitialWindowSize(), c.remoteSettings.InitialWindowSize())
	c.streams[id] = s
	if (id%2 == 1) == c.clientSide {
		c.highestOutboundID = id
	} else {
		c.highestInboundID = id
	}
	return s
}

// retireIfClosed moves a stream that reached the closed state out of the
// live table and into the bounded closure record.
func (c *Conn) retireIfClosed(s *stream) {
	if s.state != streamClosed {
		return
	}
	delete(c.streams, s.id)
	c.closed.record(s.id, s.closeReason)
}

func (c *Conn) onHeaders(f *HeadersFrame) ([]Event, error) {
	fields, err := c.codec.Decode(f.BlockFragment)
	if err != nil {
		return nil, protocolErrf("decode header block on stream %d: %v", f.StreamID, err)
	}
	if err := c.processInput(inputRecvHeaders); err != nil {
		return nil, err
	}
	s, ok := c.streams[f.StreamID]
	if !ok {
		if reason, closed := c.closed.lookup(f.StreamID); closed {
			// A block crossing a reset in flight is answered with another
			// RST_STREAM; a stream that finished normally gets none.
			if reason == CloseSendRSTStream || reason == CloseRecvRSTStream {
				c.queueFrame(&RSTStreamFrame{
					FrameHeader: FrameHeader{StreamID: f.StreamID},
					Code:        ErrCodeStreamClosed,
				})
				return nil, nil
			}
			return nil, protocolErrf("HEADERS on closed stream %d", f.StreamID)
		}
		s = c.openStream(f.StreamID)
	}
	events, err := s.receiveHeaders(fields, f.EndStream, c.policy.TrailerEndStreamNotRequired)
	if err != nil {
		return events, err
	}
	if f.HasPriority {
		if err := c.processInput(inputRecvPriority); err != nil {
			return events, err
		}
		events = append(events, PriorityUpdated{
			StreamID:  f.StreamID,
			DependsOn: f.DependsOn,
			Exclusive: f.Exclusive,
			Weight:    uint16(f.Weight) + 1,
		})
	}
	c.retireIfClosed(s)
	return events, nil
}

// onData accepts every DATA frame: no stream lookup, no stream state
// check, no flow control veto. Only the connection inbound window is
// debited and the payload surfaced, whatever stream id the frame names.
// Neither the stream state machine nor the stream windows are touched, so
// even END_STREAM leaves a live stream where it was.
func (c *Conn) onData(f *DataFrame) ([]Event, error) {
	if err := c.processInput(inputRecvData); err != nil {
		return nil, err
	}
	fc := f.FlowControlledLength()
	c.inboundWindow -= fc
	return []Event{DataReceived{
		StreamID:             f.StreamID,
		Data:                 f.Data,
		FlowControlledLength: fc,
		EndStream:            f.EndStream,
	}}, nil
}

func (c *Conn) onSettings(f *SettingsFrame) ([]Event, error) {
	if err := c.processInput(inputRecvSettings); err != nil {
		return nil, err
	}
	if f.Ack {
		return []Event{SettingsAcked{}}, nil
	}
	strict := !c.policy.SettingsValidationDisabled
	oldWindow := c.remoteSettings.InitialWindowSize()
	for _, st := range f.Settings {
		if err := c.remoteSettings.Apply(st, strict); err != nil {
			return nil, err
		}
	}
	if delta := int64(c.remoteSettings.InitialWindowSize()) - int64(oldWindow); delta != 0 {
		for _, s := range c.streams {
			s.outboundWindow += delta
		}
	}
	if !c.policy.SkipInitialSettingsAck {
		c.queueFrame(&SettingsFrame{Ack: true})
	}
	return []Event{SettingsReceived{Settings: f.Settings}}, nil
}

func (c *Conn) onWindowUpdate(f *WindowUpdateFrame) ([]Event, error) {
	if err := c.processInput(inputRecvWindowUpdate); err != nil {
		return nil, err
	}
	if f.StreamID == 0 {
		c.outboundWindow += int64(f.Increment)
		return []Event{WindowUpdated{StreamID: 0, Delta: f.Increment}}, nil
	}
	s, err := c.getStream(f.StreamID)
	if err != nil {
		// an update racing a closed or evicted stream is dropped quietly
		if errors.Is(err, errStreamClosed) {
			return nil, nil
		}
		return nil, err
	}
	evs, err := s.receiveWindowUpdate(f.Increment)
	if errors.Is(err, errStreamClosed) {
		return nil, nil
	}
	return evs, err
}

// onRSTStream treats stream id 0 as a synthetic connection-scoped reset
// event rather than an error. A live stream takes the reset; a stream
// recorded as closed by reset is answered with RST_STREAM, one that
// finished normally is dropped quietly. Only a stream with no record at
// all fails the lookup.
func (c *Conn) onRSTStream(f *RSTStreamFrame) ([]Event, error) {
	if f.StreamID == 0 {
		return []Event{StreamReset{StreamID: 0, Code: f.Code, Remote: true}}, nil
	}
	s, ok := c.streams[f.StreamID]
	if !ok {
		if reason, closed := c.closed.lookup(f.StreamID); closed {
			if reason == CloseSendRSTStream || reason == CloseRecvRSTStream {
				c.queueFrame(&RSTStreamFrame{
					FrameHeader: FrameHeader{StreamID: f.StreamID},
					Code:        ErrCodeStreamClosed,
				})
			}
			return nil, nil
		}
		return nil, fmt.Errorf("no such stream %d: %w", f.StreamID, ErrStreamNotFound)
	}
	events := s.receiveReset(f.Code)
	c.retireIfClosed(s)
	return events, nil
}

func (c *Conn) onPing(f *PingFrame) ([]Event, error) {
	if err := c.processInput(inputRecvPing); err != nil {
		return nil, err
	}
	if f.Ack {
		return []Event{PingAckReceived{Data: f.Data}}, nil
	}
	c.queueFrame(&PingFrame{Ack: true, Data: f.Data})
	return []Event{PingReceived{Data: f.Data}}, nil
}

func (c *Conn) onGoAway(f *GoAwayFrame) ([]Event, error) {
	if err := c.processInput(inputRecvGoAway); err != nil {
		return nil, err
	}
	c.remoteGoAwayCode = f.Code
	c.remoteGoAwayLast = f.LastStreamID
	return []Event{GoAwayReceived{
		LastStreamID: f.LastStreamID,
		Code:         f.Code,
		DebugData:    f.DebugData,
	}}, nil
}

// onPriority surfaces every PRIORITY frame as an event. Dependency cycles,
// self-dependencies and unknown stream ids all pass through untouched.
func (c *Conn) onPriority(f *PriorityFrame) ([]Event, error) {
	if err := c.processInput(inputRecvPriority); err != nil {
		return nil, err
	}
	return []Event{PriorityUpdated{
		StreamID:  f.StreamID,
		DependsOn: f.DependsOn,
		Exclusive: f.Exclusive,
		Weight:    uint16(f.Weight) + 1,
	}}, nil
}

// onPushPromise resolves a promise on stream 0 against stream 1, refuses
// promises whose parent we reset ourselves with a queued RST_STREAM, and
// opens the promised stream with no parity check on its id.
func (c *Conn) onPushPromise(f *PushPromiseFrame) ([]Event, error) {
	if !c.localSettings.EnablePush() {
		return nil, protocolErrf("received pushed stream %d with ENABLE_PUSH off", f.PromisedStreamID)
	}
	fields, err := c.codec.Decode(f.BlockFragment)
	if err != nil {
		return nil, protocolErrf("decode pushed header block: %v", err)
	}
	parentID := f.StreamID
	if parentID == 0 && c.policy.PushPromiseOnStreamZeroMapsToOne {
		c.logf("h2: PUSH_PROMISE on stream 0 resolved against stream 1")
		parentID = 1
	}
	if parentID == 0 {
		return nil, protocolErrf("PUSH_PROMISE on stream 0")
	}
	parent, err := c.getStream(parentID)
	if err != nil {
		if reason, ok := c.closed.lookup(parentID); ok && reason == CloseSendRSTStream {
			// we reset the parent ourselves; refuse the push politely
			c.queueFrame(&RSTStreamFrame{
				FrameHeader: FrameHeader{StreamID: f.PromisedStreamID},
				Code:        ErrCodeRefusedStream,
			})
			return nil, nil
		}
		return nil, protocolErrf("pushed stream %d on dead parent %d", f.PromisedStreamID, parentID)
	}
	events, err := parent.receivePushPromise(f.PromisedStreamID, fields)
	if err != nil {
		if errors.Is(err, errStreamClosed) {
			c.queueFrame(&RSTStreamFrame{
				FrameHeader: FrameHeader{StreamID: f.PromisedStreamID},
				Code:        ErrCodeRefusedStream,
			})
			return nil, nil
		}
		return nil, err
	}
	promised := c.openStream(f.PromisedStreamID)
	promised.state = streamReservedRemote
	return events, nil
}

// onContinuation handles a CONTINUATION that reached dispatch without the
// reassembler rewriting it. With nothing accumulated the stray fragment is
// dropped on the floor; with a pending block the fragment joins it and
// END_HEADERS completes the original frame.
func (c *Conn) onContinuation(f *ContinuationFrame) ([]Event, error) {
	if len(c.headerFrames) == 0 {
		c.logf("h2: dropping naked CONTINUATION on stream %d", f.StreamID)
		return nil, nil
	}
	c.headerFrames = append(c.headerFrames, f)
	if !f.EndHeaders {
		return nil, nil
	}
	pending := c.headerFrames
	c.headerFrames = nil
	var block []byte
	for _, p := range pending[1:] {
		cf, ok := p.(*ContinuationFrame)
		if !ok {
			return nil, protocolErrf("non-CONTINUATION frame in header block")
		}
		block = append(block, cf.BlockFragment...)
	}
	switch first := pending[0].(type) {
	case *HeadersFrame:
		merged := *first
		merged.BlockFragment = append(append([]byte(nil), first.BlockFragment...), block...)
		merged.EndHeaders = true
		return c.onHeaders(&merged)
	case *PushPromiseFrame:
		merged := *first
		merged.BlockFragment = append(append([]byte(nil), first.BlockFragment...), block...)
		merged.EndHeaders = true
		return c.onPushPromise(&merged)
	default:
		return nil, protocolErrf("header block started by %T", first)
	}
}

func (c *Conn) onAltSvc(f *AltSvcFrame) ([]Event, error) {
	if err := c.processInput(inputRecvAltSvc); err != nil {
		return nil, err
	}
	return []Event{AltSvcReceived{StreamID: f.StreamID, Origin: f.Origin, Value: f.Value}}, nil
}

func (c *Conn) queueFrame(f Frame) {
	c.out = AppendFrame(c.out, f)
}

// DataToSend drains the outbound byte queue. It returns nil when nothing
// is pending.
func (c *Conn) DataToSend() []byte {
	out := c.out
	c.out = nil
	return out
}

// ClearOutbound discards any queued outbound bytes.
func (c *Conn) ClearOutbound() {
	c.out = nil
}

// SendHeaders encodes a header block and queues a HEADERS frame with
// END_HEADERS set, creating the stream when it does not exist yet.
func (c *Conn) SendHeaders(streamID uint32, fields []HeaderField, endStream bool) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendHeaders); err != nil {
		return err
	}
	s, ok := c.streams[streamID]
	if !ok {
		if reason, closed := c.closed.lookup(streamID); closed {
			return protocolErrf("cannot send HEADERS on closed stream %d (%s)", streamID, reason)
		}
		s = c.openStream(streamID)
	}
	block, err := c.codec.Encode(fields)
	if err != nil {
		return protocolErrf("encode header block: %v", err)
	}
	if err := s.sendHeaders(endStream); err != nil {
		return err
	}
	c.queueFrame(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: streamID},
		EndStream:     endStream,
		EndHeaders:    true,
		BlockFragment: block,
	})
	c.retireIfClosed(s)
	return nil
}

// SendData queues a DATA frame. Under the default policy there is no
// connection-state, stream-state, or window veto: the frame is serialized
// unconditionally, the stream is never looked up, and only the connection
// outbound window is debited, negative if need be.
func (c *Conn) SendData(streamID uint32, data []byte, endStream bool) error {
	return c.sendData(streamID, data, endStream, false, 0)
}

// SendDataPadded is SendData with a padding block of padLength zero bytes.
func (c *Conn) SendDataPadded(streamID uint32, data []byte, endStream bool, padLength uint8) error {
	return c.sendData(streamID, data, endStream, true, padLength)
}

func (c *Conn) sendData(streamID uint32, data []byte, endStream, padded bool, padLength uint8) error {
	if c.err != nil {
		return c.err
	}
	size := int64(len(data))
	if padded {
		size += int64(padLength) + 1
	}
	if !c.policy.ForceSendDataIgnoringState {
		if err := c.processInput(inputSendData); err != nil {
			return err
		}
		s, err := c.getStream(streamID)
		if err != nil {
			return err
		}
		if !s.writable() {
			return protocolErrf("cannot send DATA on %s stream %d", s.state, streamID)
		}
		if size > c.outboundWindow || size > s.outboundWindow {
			return protocolErrf("DATA of %d bytes exceeds flow control window", size)
		}
		s.outboundWindow -= size
		if endStream {
			s.sendEndStream()
			c.retireIfClosed(s)
		}
	}
	c.queueFrame(&DataFrame{
		FrameHeader: FrameHeader{StreamID: streamID},
		EndStream:   endStream,
		Padded:      padded,
		PadLength:   padLength,
		Data:        data,
	})
	c.outboundWindow -= size
	return nil
}

// SendSettings applies pairs to the local table and queues them. Validation
// of our own values obeys the same policy switch as the peer's.
func (c *Conn) SendSettings(settings []Setting) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendSettings); err != nil {
		return err
	}
	strict := !c.policy.SettingsValidationDisabled
	oldWindow := c.localSettings.InitialWindowSize()
	for _, st := range settings {
		if err := c.localSettings.Apply(st, strict); err != nil {
			return err
		}
	}
	if delta := int64(c.localSettings.InitialWindowSize()) - int64(oldWindow); delta != 0 {
		for _, s := range c.streams {
			s.inboundWindow += delta
		}
	}
	c.queueFrame(&SettingsFrame{Settings: settings})
	return nil
}

// AckSettings queues a bare SETTINGS ACK, for scenarios that suppressed the
// automatic one.
func (c *Conn) AckSettings() error {
	if c.err != nil {
		return c.err
	}
	c.queueFrame(&SettingsFrame{Ack: true})
	return nil
}

// SendPing queues a PING with the given opaque payload.
func (c *Conn) SendPing(data [8]byte) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendPing); err != nil {
		return err
	}
	c.queueFrame(&PingFrame{Data: data})
	return nil
}

// SendWindowUpdate queues a WINDOW_UPDATE; stream id 0 grows the connection
// receive window.
func (c *Conn) SendWindowUpdate(streamID uint32, increment uint32) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendWindowUpdate); err != nil {
		return err
	}
	if streamID == 0 {
		c.inboundWindow += int64(increment)
	} else {
		s, err := c.getStream(streamID)
		if err != nil {
			return err
		}
		s.inboundWindow += int64(increment)
	}
	c.queueFrame(&WindowUpdateFrame{
		FrameHeader: FrameHeader{StreamID: streamID},
		Increment:   increment,
	})
	return nil
}

// SendRSTStream resets a live stream and records the closure as ours, which
// later PUSH_PROMISE handling depends on.
func (c *Conn) SendRSTStream(streamID uint32, code ErrCode) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendRSTStream); err != nil {
		return err
	}
	s, err := c.getStream(streamID)
	if err != nil {
		return err
	}
	s.close(CloseSendRSTStream)
	c.retireIfClosed(s)
	c.queueFrame(&RSTStreamFrame{
		FrameHeader: FrameHeader{StreamID: streamID},
		Code:        code,
	})
	return nil
}

// SendPriority queues a PRIORITY frame; the stream need not exist. Unlike
// the receive path, a self-dependency is rejected here.
func (c *Conn) SendPriority(streamID, dependsOn uint32, exclusive bool, weight uint8) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendPriority); err != nil {
		return err
	}
	if streamID == dependsOn {
		return protocolErrf("stream %d depends on itself", streamID)
	}
	c.queueFrame(&PriorityFrame{
		FrameHeader: FrameHeader{StreamID: streamID},
		Exclusive:   exclusive,
		DependsOn:   dependsOn,
		Weight:      weight,
	})
	return nil
}

// SendGoAway queues a GOAWAY carrying the highest inbound stream id seen.
func (c *Conn) SendGoAway(code ErrCode, debug []byte) error {
	if c.err != nil {
		return c.err
	}
	if err := c.processInput(inputSendGoAway); err != nil {
		return err
	}
	c.queueFrame(&GoAwayFrame{
		LastStreamID: c.highestInboundID,
		Code:         code,
		DebugData:    debug,
	})
	return nil
}

// State returns the connection state as a string, for reports and logs.
func (c *Conn) State() string { return c.state.String() }

// StreamState reports a stream's state: live streams by their lattice
// position, retired ones as closed, everything else as idle.
func (c *Conn) StreamState(id uint32) string {
	if s, ok := c.streams[id]; ok {
		return s.state.String()
	}
	if _, ok := c.closed.lookup(id); ok {
		return streamClosed.String()
	}
	return streamIdle.String()
}

// ClosedStreamReason reports how a retired stream closed.
func (c *Conn) ClosedStreamReason(id uint32) (CloseReason, bool) {
	return c.closed.lookup(id)
}

// StreamCount is the number of live streams.
func (c *Conn) StreamCount() int { return len(c.streams) }

// OutboundWindow is the connection-level send window. It goes negative when
// forced DATA outruns the peer's grants.
func (c *Conn) OutboundWindow() int64 { return c.outboundWindow }

// InboundWindow is the connection-level receive window bookkeeping.
func (c *Conn) InboundWindow() int64 { return c.inboundWindow }

// StreamWindows reports a live stream's (inbound, outbound) windows.
func (c *Conn) StreamWindows(id uint32) (int64, int64, bool) {
	s, ok := c.streams[id]
	if !ok {
		return 0, 0, false
	}
	return s.inboundWindow, s.outboundWindow, true
}

// LocalSettings copies the locally advertised settings table.
func (c *Conn) LocalSettings() map[SettingID]uint32 { return c.localSettings.snapshot() }

// RemoteSettings copies the peer's settings table as stored, however
// out of range its values were.
func (c *Conn) RemoteSettings() map[SettingID]uint32 { return c.remoteSettings.snapshot() }
