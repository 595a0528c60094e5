package h2

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies the frame in the 4th octet of the wire header.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
	FrameAltSvc       FrameType = 0xa
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
	FrameAltSvc:       "ALTSVC",
}

func (t FrameType) String() string {
	if s, ok := frameTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
}

// Flags is the 5th octet of the wire header. Bit meaning depends on the
// frame type.
type Flags uint8

const (
	FlagDataEndStream          Flags = 0x1
	FlagDataPadded             Flags = 0x8
	FlagHeadersEndStream       Flags = 0x1
	FlagHeadersEndHeaders      Flags = 0x4
	FlagHeadersPadded          Flags = 0x8
	FlagHeadersPriority        Flags = 0x20
	FlagSettingsAck            Flags = 0x1
	FlagPingAck                Flags = 0x1
	FlagContinuationEndHeaders Flags = 0x4
	FlagPushPromiseEndHeaders  Flags = 0x4
	FlagPushPromisePadded      Flags = 0x8
)

// Has reports whether all bits of v are set in f.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

// ErrCode is a 32-bit error code carried by RST_STREAM and GOAWAY.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ERR_CODE(0x%x)", uint32(c))
}

const (
	frameHeaderLen = 9
	streamIDMask   = 1<<31 - 1
)

// FrameHeader is the fixed 9-octet header every frame starts with. The
// reserved top bit of the stream id is masked on parse and never written.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

// Header makes every frame type that embeds FrameHeader satisfy Frame.
func (h FrameHeader) Header() FrameHeader { return h }

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s len=%d flags=0x%x stream=%d", h.Type, h.Length, uint8(h.Flags), h.StreamID)
}

// ParseFrameHeader decodes a wire header. Any 9 octets form a valid header:
// unknown types and flag bits are preserved, the reserved bit is dropped.
func ParseFrameHeader(b [frameHeaderLen]byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:]) & streamIDMask,
	}
}

func appendFrameHeader(dst []byte, length uint32, t FrameType, flags Flags, streamID uint32) []byte {
	return append(dst,
		byte(length>>16), byte(length>>8), byte(length),
		byte(t), byte(flags),
		byte(streamID>>24)&0x7f, byte(streamID>>16), byte(streamID>>8), byte(streamID),
	)
}

// Frame is the closed set of wire frames the engine speaks. Dispatch is by
// type switch; frames not listed here surface as *UnknownFrame.
type Frame interface {
	Header() FrameHeader
}

type DataFrame struct {
	FrameHeader
	EndStream bool
	Padded    bool
	PadLength uint8
	Data      []byte
}

// FlowControlledLength is the window cost of the frame: the payload plus,
// for nonzero padding, the pad bytes and their length octet. A PADDED
// frame with zero pad length costs the same as an unpadded one, even
// though its wire size differs by the length octet.
func (f *DataFrame) FlowControlledLength() int64 {
	if f.PadLength > 0 {
		return int64(len(f.Data)) + int64(f.PadLength) + 1
	}
	return int64(len(f.Data))
}

type HeadersFrame struct {
	FrameHeader
	EndStream     bool
	EndHeaders    bool
	Padded        bool
	PadLength     uint8
	HasPriority   bool
	Exclusive     bool
	DependsOn     uint32
	Weight        uint8
	BlockFragment []byte
}

type PriorityFrame struct {
	FrameHeader
	Exclusive bool
	DependsOn uint32
	Weight    uint8
}

type RSTStreamFrame struct {
	FrameHeader
	Code ErrCode
}

// Setting is one identifier/value pair of a SETTINGS frame. Unknown
// identifiers are carried verbatim.
type Setting struct {
	ID    SettingID
	Value uint32
}

type SettingsFrame struct {
	FrameHeader
	Ack      bool
	Settings []Setting
}

type PushPromiseFrame struct {
	FrameHeader
	EndHeaders       bool
	Padded           bool
	PadLength        uint8
	PromisedStreamID uint32
	BlockFragment    []byte
}

type PingFrame struct {
	FrameHeader
	Ack  bool
	Data [8]byte
}

type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

type WindowUpdateFrame struct {
	FrameHeader
	Increment uint32
}

type ContinuationFrame struct {
	FrameHeader
	EndHeaders    bool
	BlockFragment []byte
}

type AltSvcFrame struct {
	FrameHeader
	Origin []byte
	Value  []byte
}

// UnknownFrame carries any frame type the engine has no model for. It
// round-trips losslessly and its dispatch is a no-op.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

// AppendFrame appends the wire encoding of f to dst. Length and flags are
// computed from the frame's fields; the embedded header's Length and Flags
// are ignored except for UnknownFrame, which is written back verbatim.
func AppendFrame(dst []byte, f Frame) []byte {
	switch f := f.(type) {
	case *DataFrame:
		return f.marshal(dst)
	case *HeadersFrame:
		return f.marshal(dst)
	case *PriorityFrame:
		return f.marshal(dst)
	case *RSTStreamFrame:
		return f.marshal(dst)
	case *SettingsFrame:
		return f.marshal(dst)
	case *PushPromiseFrame:
		return f.marshal(dst)
	case *PingFrame:
		return f.marshal(dst)
	case *GoAwayFrame:
		return f.marshal(dst)
	case *WindowUpdateFrame:
		return f.marshal(dst)
	case *ContinuationFrame:
		return f.marshal(dst)
	case *AltSvcFrame:
		return f.marshal(dst)
	case *UnknownFrame:
		return f.marshal(dst)
	default:
		panic(fmt.Sprintf("h2: cannot marshal frame type %T", f))
	}
}

func appendZeros(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func (f *DataFrame) marshal(dst []byte) []byte {
	length := len(f.Data)
	var flags Flags
	if f.EndStream {
		flags |= FlagDataEndStream
	}
	if f.Padded {
		flags |= FlagDataPadded
		length += int(f.PadLength) + 1
	}
	dst = appendFrameHeader(dst, uint32(length), FrameData, flags, f.StreamID)
	if f.Padded {
		dst = append(dst, f.PadLength)
	}
	dst = append(dst, f.Data...)
	if f.Padded {
		dst = appendZeros(dst, int(f.PadLength))
	}
	return dst
}

func (f *HeadersFrame) marshal(dst []byte) []byte {
	length := len(f.BlockFragment)
	var flags Flags
	if f.EndStream {
		flags |= FlagHeadersEndStream
	}
	if f.EndHeaders {
		flags |= FlagHeadersEndHeaders
	}
	if f.Padded {
		flags |= FlagHeadersPadded
		length += int(f.PadLength) + 1
	}
	if f.HasPriority {
		flags |= FlagHeadersPriority
		length += 5
	}
	dst = appendFrameHeader(dst, uint32(length), FrameHeaders, flags, f.StreamID)
	if f.Padded {
		dst = append(dst, f.PadLength)
	}
	if f.HasPriority {
		dst = appendPriorityWord(dst, f.Exclusive, f.DependsOn, f.Weight)
	}
	dst = append(dst, f.BlockFragment...)
	if f.Padded {
		dst = appendZeros(dst, int(f.PadLength))
	}
	return dst
}

func appendPriorityWord(dst []byte, exclusive bool, dependsOn uint32, weight uint8) []byte {
	word := dependsOn & streamIDMask
	if exclusive {
		word |= 1 << 31
	}
	dst = binary.BigEndian.AppendUint32(dst, word)
	return append(dst, weight)
}

func (f *PriorityFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, 5, FramePriority, 0, f.StreamID)
	return appendPriorityWord(dst, f.Exclusive, f.DependsOn, f.Weight)
}

func (f *RSTStreamFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, 4, FrameRSTStream, 0, f.StreamID)
	return binary.BigEndian.AppendUint32(dst, uint32(f.Code))
}

func (f *SettingsFrame) marshal(dst []byte) []byte {
	var flags Flags
	if f.Ack {
		flags |= FlagSettingsAck
	}
	dst = appendFrameHeader(dst, uint32(6*len(f.Settings)), FrameSettings, flags, f.StreamID)
	for _, s := range f.Settings {
		dst = binary.BigEndian.AppendUint16(dst, uint16(s.ID))
		dst = binary.BigEndian.AppendUint32(dst, s.Value)
	}
	return dst
}

func (f *PushPromiseFrame) marshal(dst []byte) []byte {
	length := 4 + len(f.BlockFragment)
	var flags Flags
	if f.EndHeaders {
		flags |= FlagPushPromiseEndHeaders
	}
	if f.Padded {
		flags |= FlagPushPromisePadded
		length += int(f.PadLength) + 1
	}
	dst = appendFrameHeader(dst, uint32(length), FramePushPromise, flags, f.StreamID)
	if f.Padded {
		dst = append(dst, f.PadLength)
	}
	dst = binary.BigEndian.AppendUint32(dst, f.PromisedStreamID)
	dst = append(dst, f.BlockFragment...)
	if f.Padded {
		dst = appendZeros(dst, int(f.PadLength))
	}
	return dst
}

func (f *PingFrame) marshal(dst []byte) []byte {
	var flags Flags
	if f.Ack {
		flags |= FlagPingAck
	}
	dst = appendFrameHeader(dst, 8, FramePing, flags, f.StreamID)
	return append(dst, f.Data[:]...)
}

func (f *GoAwayFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, uint32(8+len(f.DebugData)), FrameGoAway, 0, f.StreamID)
	dst = binary.BigEndian.AppendUint32(dst, f.LastStreamID&streamIDMask)
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Code))
	return append(dst, f.DebugData...)
}

func (f *WindowUpdateFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, 4, FrameWindowUpdate, 0, f.StreamID)
	return binary.BigEndian.AppendUint32(dst, f.Increment&streamIDMask)
}

func (f *ContinuationFrame) marshal(dst []byte) []byte {
	var flags Flags
	if f.EndHeaders {
		flags |= FlagContinuationEndHeaders
	}
	dst = appendFrameHeader(dst, uint32(len(f.BlockFragment)), FrameContinuation, flags, f.StreamID)
	return append(dst, f.BlockFragment...)
}

func (f *AltSvcFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, uint32(2+len(f.Origin)+len(f.Value)), FrameAltSvc, 0, f.StreamID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Origin)))
	dst = append(dst, f.Origin...)
	return append(dst, f.Value...)
}

func (f *UnknownFrame) marshal(dst []byte) []byte {
	dst = appendFrameHeader(dst, uint32(len(f.Payload)), f.Type, f.Flags, f.StreamID)
	return append(dst, f.Payload...)
}

// parseFrameBody decodes the payload of a frame whose header is already
// known. There is deliberately no stream-association check anywhere: any
// frame type may carry any stream id, including 0.
func parseFrameBody(h FrameHeader, payload []byte, relaxedRST bool) (Frame, error) {
	switch h.Type {
	case FrameData:
		return parseDataBody(h, payload)
	case FrameHeaders:
		return parseHeadersBody(h, payload)
	case FramePriority:
		return parsePriorityBody(h, payload)
	case FrameRSTStream:
		return parseRSTStreamBody(h, payload, relaxedRST)
	case FrameSettings:
		return parseSettingsBody(h, payload)
	case FramePushPromise:
		return parsePushPromiseBody(h, payload)
	case FramePing:
		return parsePingBody(h, payload)
	case FrameGoAway:
		return parseGoAwayBody(h, payload)
	case FrameWindowUpdate:
		return parseWindowUpdateBody(h, payload)
	case FrameContinuation:
		return parseContinuationBody(h, payload)
	case FrameAltSvc:
		return parseAltSvcBody(h, payload)
	default:
		return &UnknownFrame{FrameHeader: h, Payload: payload}, nil
	}
}

// readPadLength strips the pad-length octet of a padded payload and checks
// the declared padding fits: DATA measures it against the whole payload,
// HEADERS and PUSH_PROMISE against the payload less the octet itself. The
// trailing pad bytes are left in place, because fixed fields that follow
// the octet are read before the tail is dropped, even when the declared
// padding overlaps them. A zero pad length always fits.
func readPadLength(h FrameHeader, payload []byte, padded bool, budget int) (rest []byte, padLen uint8, err error) {
	if !padded {
		return payload, 0, nil
	}
	if len(payload) == 0 {
		return nil, 0, framingErrf("%s: padded frame with empty payload", h.Type)
	}
	padLen = payload[0]
	if padLen > 0 && int(padLen) >= budget {
		return nil, 0, framingErrf("%s: pad length %d not smaller than %d", h.Type, padLen, budget)
	}
	return payload[1:], padLen, nil
}

// dropPadding cuts padLen trailing pad bytes off rest, clamping to empty
// when the declared padding swallowed the fragment entirely.
func dropPadding(rest []byte, padLen uint8) []byte {
	end := len(rest) - int(padLen)
	if end < 0 {
		end = 0
	}
	return rest[:end]
}

func parseDataBody(h FrameHeader, payload []byte) (Frame, error) {
	f := &DataFrame{
		FrameHeader: h,
		EndStream:   h.Flags.Has(FlagDataEndStream),
		Padded:      h.Flags.Has(FlagDataPadded),
	}
	rest, padLen, err := readPadLength(h, payload, f.Padded, len(payload))
	if err != nil {
		return nil, err
	}
	f.PadLength = padLen
	f.Data = dropPadding(rest, padLen)
	return f, nil
}

func parseHeadersBody(h FrameHeader, payload []byte) (Frame, error) {
	f := &HeadersFrame{
		FrameHeader: h,
		EndStream:   h.Flags.Has(FlagHeadersEndStream),
		EndHeaders:  h.Flags.Has(FlagHeadersEndHeaders),
		Padded:      h.Flags.Has(FlagHeadersPadded),
		HasPriority: h.Flags.Has(FlagHeadersPriority),
	}
	rest, padLen, err := readPadLength(h, payload, f.Padded, len(payload)-1)
	if err != nil {
		return nil, err
	}
	f.PadLength = padLen
	if f.HasPriority {
		if len(rest) < 5 {
			return nil, framingErrf("HEADERS: %d bytes left for priority section", len(rest))
		}
		word := binary.BigEndian.Uint32(rest)
		f.Exclusive = word>>31 == 1
		f.DependsOn = word & streamIDMask
		f.Weight = rest[4]
		rest = rest[5:]
	}
	f.BlockFragment = dropPadding(rest, padLen)
	return f, nil
}

func parsePriorityBody(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 5 {
		return nil, framingErrf("PRIORITY: body is %d bytes, need 5", len(payload))
	}
	word := binary.BigEndian.Uint32(payload)
	return &PriorityFrame{
		FrameHeader: h,
		Exclusive:   word>>31 == 1,
		DependsOn:   word & streamIDMask,
		Weight:      payload[4],
	}, nil
}

// parseRSTStreamBody in relaxed mode never reads the payload: the error
// code is 0 whether the body is truncated, empty, or overlong.
func parseRSTStreamBody(h FrameHeader, payload []byte, relaxed bool) (Frame, error) {
	if relaxed {
		return &RSTStreamFrame{FrameHeader: h, Code: ErrCodeNo}, nil
	}
	if len(payload) != 4 {
		return nil, framingErrf("RST_STREAM: body is %d bytes, need 4", len(payload))
	}
	return &RSTStreamFrame{FrameHeader: h, Code: ErrCode(binary.BigEndian.Uint32(payload))}, nil
}

// parseSettingsBody reads whole 6-byte pairs and silently drops a trailing
// remainder instead of treating it as a size error.
func parseSettingsBody(h FrameHeader, payload []byte) (Frame, error) {
	f := &SettingsFrame{FrameHeader: h, Ack: h.Flags.Has(FlagSettingsAck)}
	n := len(payload) / 6 * 6
	for i := 0; i < n; i += 6 {
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(payload[i:])),
			Value: binary.BigEndian.Uint32(payload[i+2:]),
		})
	}
	return f, nil
}

// parsePushPromiseBody keeps the promised id exactly as sent: no reserved
// bit masking and no even-id check, so a promise for stream 0 or an odd id
// reaches the connection layer intact.
func parsePushPromiseBody(h FrameHeader, payload []byte) (Frame, error) {
	f := &PushPromiseFrame{
		FrameHeader: h,
		EndHeaders:  h.Flags.Has(FlagPushPromiseEndHeaders),
		Padded:      h.Flags.Has(FlagPushPromisePadded),
	}
	rest, padLen, err := readPadLength(h, payload, f.Padded, len(payload)-1)
	if err != nil {
		return nil, err
	}
	f.PadLength = padLen
	if len(rest) < 4 {
		return nil, framingErrf("PUSH_PROMISE: %d bytes left for promised stream id", len(rest))
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(rest)
	f.BlockFragment = dropPadding(rest[4:], padLen)
	return f, nil
}

func parsePingBody(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 8 {
		return nil, framingErrf("PING: body is %d bytes, need 8", len(payload))
	}
	f := &PingFrame{FrameHeader: h, Ack: h.Flags.Has(FlagPingAck)}
	copy(f.Data[:], payload)
	return f, nil
}

func parseGoAwayBody(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) < 8 {
		return nil, framingErrf("GOAWAY: body is %d bytes, need 8", len(payload))
	}
	return &GoAwayFrame{
		FrameHeader:  h,
		LastStreamID: binary.BigEndian.Uint32(payload),
		Code:         ErrCode(binary.BigEndian.Uint32(payload[4:])),
		DebugData:    payload[8:],
	}, nil
}

// parseWindowUpdateBody applies no range check: a zero increment parses
// fine, the reserved bit is simply masked.
func parseWindowUpdateBody(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 4 {
		return nil, framingErrf("WINDOW_UPDATE: body is %d bytes, need 4", len(payload))
	}
	return &WindowUpdateFrame{
		FrameHeader: h,
		Increment:   binary.BigEndian.Uint32(payload) & streamIDMask,
	}, nil
}

func parseContinuationBody(h FrameHeader, payload []byte) (Frame, error) {
	return &ContinuationFrame{
		FrameHeader:   h,
		EndHeaders:    h.Flags.Has(FlagContinuationEndHeaders),
		BlockFragment: payload,
	}, nil
}

func parseAltSvcBody(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return nil, framingErrf("ALTSVC: body is %d bytes, need at least 2", len(payload))
	}
	originLen := int(binary.BigEndian.Uint16(payload))
	if originLen > len(payload)-2 {
		return nil, framingErrf("ALTSVC: origin length %d exceeds body", originLen)
	}
	return &AltSvcFrame{
		FrameHeader: h,
		Origin:      payload[2 : 2+originLen],
		Value:       payload[2+originLen:],
	}, nil
}
