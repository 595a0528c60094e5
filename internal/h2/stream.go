package h2

// streamState is the per-stream lifecycle lattice.
type streamState uint8

const (
	streamIdle streamState = iota
	streamReservedRemote
	streamOpen
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamReservedRemote:
		return "reserved (remote)"
	case streamOpen:
		return "open"
	case streamHalfClosedLocal:
		return "half-closed (local)"
	case streamHalfClosedRemote:
		return "half-closed (remote)"
	case streamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stream tracks one stream's state and windows. Windows are bookkeeping:
// they go negative rather than veto anything.
type stream struct {
	id    uint32
	state streamState

	inboundWindow  int64
	outboundWindow int64

	headersReceived bool
	closeReason     CloseReason
}

func newStream(id uint32, localWindow, remoteWindow uint32) *stream {
	return &stream{
		id:             id,
		state:          streamIdle,
		inboundWindow:  int64(localWindow),
		outboundWindow: int64(remoteWindow),
	}
}

func (s *stream) writable() bool {
	return s.state == streamOpen || s.state == streamHalfClosedRemote
}

func (s *stream) close(reason CloseReason) {
	s.state = streamClosed
	s.closeReason = reason
}

// receiveHeaders applies an inbound header block. With trailerRelaxed set,
// any block arriving in half-closed (local) is taken as-is: no trailer
// validation, and END_STREAM is not acted on either, so the stream never
// closes from that state. Elsewhere the standard lattice applies, and a
// repeat block without END_STREAM is a protocol error.
func (s *stream) receiveHeaders(fields []HeaderField, endStream, trailerRelaxed bool) ([]Event, error) {
	if trailerRelaxed && s.state == streamHalfClosedLocal {
		s.headersReceived = true
		return []Event{HeadersReceived{StreamID: s.id, Headers: fields, EndStream: endStream}}, nil
	}
	switch s.state {
	case streamIdle:
		s.state = streamOpen
	case streamReservedRemote:
		s.state = streamHalfClosedLocal
	case streamOpen, streamHalfClosedLocal:
		if s.headersReceived && !endStream {
			return nil, protocolErrf("trailers without END_STREAM on stream %d", s.id)
		}
	case streamHalfClosedRemote, streamClosed:
		return nil, protocolErrf("HEADERS on %s stream %d", s.state, s.id)
	}
	s.headersReceived = true
	events := []Event{HeadersReceived{StreamID: s.id, Headers: fields, EndStream: endStream}}
	if endStream {
		events = append(events, StreamEnded{StreamID: s.id})
		s.receiveEndStream()
	}
	return events, nil
}

func (s *stream) receiveEndStream() {
	switch s.state {
	case streamOpen:
		s.state = streamHalfClosedRemote
	case streamHalfClosedLocal:
		s.close(CloseRecvEndStream)
	}
}

// sendHeaders applies an outbound header block to the state machine.
func (s *stream) sendHeaders(endStream bool) error {
	switch s.state {
	case streamIdle:
		s.state = streamOpen
	case streamOpen, streamHalfClosedRemote:
		// initial block already sent, this one rides as trailers
	case streamReservedRemote, streamHalfClosedLocal, streamClosed:
		return protocolErrf("cannot send HEADERS on %s stream %d", s.state, s.id)
	}
	if endStream {
		s.sendEndStream()
	}
	return nil
}

func (s *stream) sendEndStream() {
	switch s.state {
	case streamOpen:
		s.state = streamHalfClosedLocal
	case streamHalfClosedRemote:
		s.close(CloseSendEndStream)
	}
}

func (s *stream) receiveWindowUpdate(inc uint32) ([]Event, error) {
	if s.state == streamClosed {
		return nil, errStreamClosed
	}
	s.outboundWindow += int64(inc)
	return []Event{WindowUpdated{StreamID: s.id, Delta: inc}}, nil
}

func (s *stream) receiveReset(code ErrCode) []Event {
	s.close(CloseRecvRSTStream)
	return []Event{StreamReset{StreamID: s.id, Code: code, Remote: true}}
}

// receivePushPromise validates that this stream can act as the parent of a
// promised stream and surfaces the promise.
func (s *stream) receivePushPromise(promisedID uint32, headers []HeaderField) ([]Event, error) {
	switch s.state {
	case streamOpen, streamHalfClosedLocal:
		return []Event{PushPromiseReceived{
			ParentStreamID:   s.id,
			PromisedStreamID: promisedID,
			Headers:          headers,
		}}, nil
	case streamClosed:
		return nil, errStreamClosed
	default:
		return nil, protocolErrf("PUSH_PROMISE with %s parent stream %d", s.state, s.id)
	}
}
