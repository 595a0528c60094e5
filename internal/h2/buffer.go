package h2

// ClientPreface is the 24-byte magic a client opens the connection with.
// The engine can be told to send the broken HTTP/1.1 variant instead.
const (
	ClientPreface          = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	IncorrectClientPreface = "PRI * HTTP/1.1\r\n\r\nSM\r\n\r\n"
)

var (
	prefaceHTTP2 = []byte(ClientPreface)
	prefaceHTTP1 = []byte(IncorrectClientPreface)
)

// FrameBuffer reassembles a byte stream into frames. The frame sequence it
// produces depends only on the bytes pushed, never on how they were chunked.
//
// Deliberate deviations live here: a CONTINUATION frame is rewritten into
// a synthetic HEADERS frame before it is returned, HEADERS and PUSH_PROMISE
// pass through immediately even without END_HEADERS, and no ceiling is put
// on the declared frame length, however large.
type FrameBuffer struct {
	data []byte
	err  error

	prefaceLeft int

	relaxedRST bool
}

// NewFrameBuffer returns a reassembler. A server-side buffer consumes the
// first 24 bytes as the client preface unless skipPreface is set. The bytes
// are discarded without being compared against the magic, so a peer opening
// with a corrupted preface still gets every following frame parsed.
func NewFrameBuffer(serverSide, skipPreface bool) *FrameBuffer {
	b := &FrameBuffer{relaxedRST: true}
	if serverSide && !skipPreface {
		b.prefaceLeft = len(ClientPreface)
	}
	return b
}

// Push appends bytes to the buffer. While preface bytes are still owed,
// that many leading bytes are swallowed uninspected, across as many calls
// as it takes.
func (b *FrameBuffer) Push(data []byte) {
	if b.err != nil {
		return
	}
	if b.prefaceLeft > 0 {
		n := b.prefaceLeft
		if n > len(data) {
			n = len(data)
		}
		b.prefaceLeft -= n
		data = data[n:]
	}
	b.data = append(b.data, data...)
}

// Buffered reports how many payload bytes are waiting behind the preface.
func (b *FrameBuffer) Buffered() int {
	return len(b.data)
}

// Next returns the next complete frame. It returns ErrNeedMoreData until a
// full header and body are buffered; calling it again without new bytes
// returns ErrNeedMoreData again and consumes nothing. Parse failures are
// framing errors and are sticky.
func (b *FrameBuffer) Next() (Frame, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.data) < frameHeaderLen {
		return nil, ErrNeedMoreData
	}
	var hb [frameHeaderLen]byte
	copy(hb[:], b.data)
	h := ParseFrameHeader(hb)
	total := frameHeaderLen + int(h.Length)
	if len(b.data) < total {
		return nil, ErrNeedMoreData
	}
	payload := make([]byte, h.Length)
	copy(payload, b.data[frameHeaderLen:total])
	b.data = b.data[total:]

	f, err := parseFrameBody(h, payload, b.relaxedRST)
	if err != nil {
		b.err = err
		return nil, err
	}
	return rewriteContinuation(f), nil
}

// rewriteContinuation replaces a CONTINUATION frame with a synthetic
// HEADERS frame on the same stream, carrying the fragment as its block.
// Only END_HEADERS survives the rewrite; CONTINUATION cannot legally carry
// END_STREAM, so the synthetic frame never ends a stream. Everything else
// passes through untouched.
func rewriteContinuation(f Frame) Frame {
	c, ok := f.(*ContinuationFrame)
	if !ok {
		return f
	}
	h := c.FrameHeader
	h.Type = FrameHeaders
	return &HeadersFrame{
		FrameHeader:   h,
		EndHeaders:    c.EndHeaders,
		BlockFragment: c.BlockFragment,
	}
}
