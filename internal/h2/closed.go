package h2

// CloseReason records which side closed a stream and how. It decides the
// fate of a late PUSH_PROMISE whose parent is gone: only a stream we reset
// ourselves earns the promised stream a polite REFUSED_STREAM.
type CloseReason uint8

const (
	CloseSendEndStream CloseReason = iota
	CloseRecvEndStream
	CloseSendRSTStream
	CloseRecvRSTStream
)

func (r CloseReason) String() string {
	switch r {
	case CloseSendEndStream:
		return "SEND_END_STREAM"
	case CloseRecvEndStream:
		return "RECV_END_STREAM"
	case CloseSendRSTStream:
		return "SEND_RST_STREAM"
	case CloseRecvRSTStream:
		return "RECV_RST_STREAM"
	default:
		return "UNKNOWN"
	}
}

// DefaultMaxClosedStreams bounds how many closures a connection remembers.
const DefaultMaxClosedStreams = 1024

// closedStreams is a fixed-capacity record of recently closed streams with
// insertion-order eviction: a ring of stream ids plus a reason index.
type closedStreams struct {
	limit   int
	ring    []uint32
	head    int
	reasons map[uint32]CloseReason
}

func newClosedStreams(limit int) *closedStreams {
	if limit <= 0 {
		limit = DefaultMaxClosedStreams
	}
	return &closedStreams{
		limit:   limit,
		reasons: make(map[uint32]CloseReason),
	}
}

// record notes that id closed for reason r. Re-recording an id updates the
// reason without refreshing its eviction slot.
func (cs *closedStreams) record(id uint32, r CloseReason) {
	if _, ok := cs.reasons[id]; ok {
		cs.reasons[id] = r
		return
	}
	if len(cs.ring) < cs.limit {
		cs.ring = append(cs.ring, id)
	} else {
		delete(cs.reasons, cs.ring[cs.head])
		cs.ring[cs.head] = id
		cs.head = (cs.head + 1) % cs.limit
	}
	cs.reasons[id] = r
}

func (cs *closedStreams) lookup(id uint32) (CloseReason, bool) {
	r, ok := cs.reasons[id]
	return r, ok
}

func (cs *closedStreams) len() int {
	return len(cs.reasons)
}
