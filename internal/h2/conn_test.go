package h2

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubCodec is a transparent header codec so connection tests can read
// blocks without dragging in HPACK state.
type stubCodec struct{}

func (stubCodec) Encode(fields []HeaderField) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f.Name)
		buf.WriteByte(0)
		buf.WriteString(f.Value)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (stubCodec) Decode(block []byte) ([]HeaderField, error) {
	var fields []HeaderField
	for _, line := range bytes.Split(block, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte{0})
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		fields = append(fields, HeaderField{Name: string(name), Value: string(value)})
	}
	return fields, nil
}

func stubBlock(t *testing.T, fields ...HeaderField) []byte {
	t.Helper()
	block, err := stubCodec{}.Encode(fields)
	if err != nil {
		t.Fatalf("encode stub block: %v", err)
	}
	return block
}

func newTestConn(t *testing.T, clientSide bool, mutate ...func(*Config)) *Conn {
	t.Helper()
	cfg := Config{
		ClientSide:  clientSide,
		Policy:      DefaultPolicy(),
		HeaderCodec: stubCodec{},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewConn(cfg)
}

// openTestConn hands back a connection past its handshake, the state most
// scenarios run in.
func openTestConn(t *testing.T, clientSide bool, mutate ...func(*Config)) *Conn {
	t.Helper()
	c := newTestConn(t, clientSide, mutate...)
	if err := c.InitiateConnection(); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	c.ClearOutbound()
	return c
}

// parseQueued reparses bytes the engine queued for sending. Strict RST
// parsing so the error codes written on the wire stay visible.
func parseQueued(t *testing.T, out []byte) []Frame {
	t.Helper()
	b := NewFrameBuffer(false, false)
	b.relaxedRST = false
	b.Push(out)
	var frames []Frame
	for {
		f, err := b.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return frames
		}
		if err != nil {
			t.Fatalf("reparse queued bytes: %v", err)
		}
		frames = append(frames, f)
	}
}

var testFields = []HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":path", Value: "/"},
}

func TestInitiateConnectionDefault(t *testing.T) {
	c := newTestConn(t, true)
	require.NoError(t, c.InitiateConnection())

	out := c.DataToSend()
	require.True(t, bytes.HasPrefix(out, prefaceHTTP2), "missing client preamble")

	frames := parseQueued(t, out[len(prefaceHTTP2):])
	require.Len(t, frames, 1)
	sf, ok := frames[0].(*SettingsFrame)
	require.True(t, ok, "expected SETTINGS, got %T", frames[0])
	require.False(t, sf.Ack)
	require.NotEmpty(t, sf.Settings)
	require.Equal(t, "open", c.State())
	require.Nil(t, c.DataToSend(), "queue must drain")
}

func TestInitiateConnectionSkipPreface(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.SkipClientPreface = true })
	require.NoError(t, c.InitiateConnection())
	require.Nil(t, c.DataToSend())
	require.Equal(t, "idle", c.State())
}

func TestInitiateConnectionIncorrectPreface(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.IncorrectPreface = true })
	require.NoError(t, c.InitiateConnection())
	out := c.DataToSend()
	require.True(t, bytes.HasPrefix(out, prefaceHTTP1))
	require.False(t, bytes.HasPrefix(out, prefaceHTTP2))
}

func TestInitiateConnectionSkipSettings(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.SkipInitialSettings = true })
	require.NoError(t, c.InitiateConnection())
	require.Equal(t, prefaceHTTP2, c.DataToSend())
	require.Equal(t, "idle", c.State())
}

func TestInitiateConnectionServerSide(t *testing.T) {
	c := newTestConn(t, false)
	require.NoError(t, c.InitiateConnection())
	out := c.DataToSend()
	require.False(t, bytes.HasPrefix(out, prefaceHTTP2), "servers send no preamble")

	frames := parseQueued(t, out)
	require.Len(t, frames, 1)
	require.IsType(t, &SettingsFrame{}, frames[0])
	require.Equal(t, "open", c.State())
}

func TestDataOnIdleConnection(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&DataFrame{
		FrameHeader: FrameHeader{StreamID: 5},
		Data:        []byte("hello"),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(DataReceived)
	require.True(t, ok, "expected DataReceived, got %T", events[0])
	require.Equal(t, uint32(5), ev.StreamID)
	require.Equal(t, []byte("hello"), ev.Data)
	require.Equal(t, int64(5), ev.FlowControlledLength)

	require.Equal(t, "idle", c.State(), "DATA must not move an idle connection")
	require.Equal(t, 0, c.StreamCount(), "DATA must not create a stream")
	require.Equal(t, int64(defaultInitialWindowSize-5), c.InboundWindow())
}

func TestHeadersOnIdleConnection(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(HeadersReceived)
	require.True(t, ok)
	require.Equal(t, testFields, ev.Headers)
	require.False(t, ev.EndStream)

	require.Equal(t, "idle", c.State(), "HEADERS must not move an idle connection")
	require.Equal(t, "open", c.StreamState(1))
}

func TestStrictIdleRejectsData(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.IdleDataHeadersAllowed = false })
	_, err := c.Dispatch(&DataFrame{FrameHeader: FrameHeader{StreamID: 1}, Data: []byte("x")})
	require.ErrorIs(t, err, ErrProtocol)
	require.Error(t, c.Err(), "strict idle violation must poison the connection")

	_, err = c.Dispatch(&PingFrame{})
	require.ErrorIs(t, err, ErrProtocol, "poisoned connection must keep failing")
}

func TestSettingsStoredUnvalidated(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&SettingsFrame{Settings: []Setting{
		{ID: SettingEnablePush, Value: 99},
		{ID: SettingInitialWindowSize, Value: 1<<31 + 7},
		{ID: SettingMaxFrameSize, Value: 1},
		{ID: 0xbeef, Value: 42},
	}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.IsType(t, SettingsReceived{}, events[0])

	remote := c.RemoteSettings()
	require.Equal(t, uint32(99), remote[SettingEnablePush])
	require.Equal(t, uint32(1<<31+7), remote[SettingInitialWindowSize])
	require.Equal(t, uint32(1), remote[SettingMaxFrameSize])
	require.Equal(t, uint32(42), remote[0xbeef])

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	ack, ok := frames[0].(*SettingsFrame)
	require.True(t, ok)
	require.True(t, ack.Ack, "out of range values still get the automatic ACK")
}

func TestSettingsStrictValidation(t *testing.T) {
	tests := []struct {
		name    string
		setting Setting
	}{
		{"enable push out of range", Setting{ID: SettingEnablePush, Value: 2}},
		{"window overflow", Setting{ID: SettingInitialWindowSize, Value: 1 << 31}},
		{"frame size too small", Setting{ID: SettingMaxFrameSize, Value: 16383}},
		{"frame size too large", Setting{ID: SettingMaxFrameSize, Value: 1 << 24}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConn(t, true, func(cfg *Config) {
				cfg.Policy.SettingsValidationDisabled = false
			})
			_, err := c.Dispatch(&SettingsFrame{Settings: []Setting{tt.setting}})
			require.ErrorIs(t, err, ErrProtocol)
			require.Error(t, c.Err())
		})
	}
}

func TestSettingsAckSuppressed(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.SkipInitialSettingsAck = true })
	_, err := c.Dispatch(&SettingsFrame{Settings: []Setting{{ID: SettingHeaderTableSize, Value: 4096}}})
	require.NoError(t, err)
	require.Nil(t, c.DataToSend(), "ack must be suppressed")

	require.NoError(t, c.AckSettings())
	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	require.True(t, frames[0].(*SettingsFrame).Ack)
}

func TestSettingsInitialWindowDelta(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	_, err = c.Dispatch(&SettingsFrame{Settings: []Setting{
		{ID: SettingInitialWindowSize, Value: 70000},
	}})
	require.NoError(t, err)
	_, outbound, ok := c.StreamWindows(1)
	require.True(t, ok)
	require.Equal(t, int64(70000), outbound, "existing streams absorb the window delta")

	_, err = c.Dispatch(&SettingsFrame{Settings: []Setting{
		{ID: SettingInitialWindowSize, Value: 100},
	}})
	require.NoError(t, err)
	_, outbound, _ = c.StreamWindows(1)
	require.Equal(t, int64(100), outbound, "shrinking applies the negative delta")
}

func TestRSTStreamBodyIgnoredOnWire(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	// RST_STREAM for stream 1 with a 7 byte garbage body
	wire := []byte{
		0x00, 0x00, 0x07,
		0x03,
		0x00,
		0x00, 0x00, 0x00, 0x01,
		0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03,
	}
	events, err := c.ReceiveData(wire)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(StreamReset)
	require.True(t, ok)
	require.Equal(t, uint32(1), ev.StreamID)
	require.Equal(t, ErrCodeNo, ev.Code, "body bytes must not become an error code")
	require.True(t, ev.Remote)

	reason, ok := c.ClosedStreamReason(1)
	require.True(t, ok)
	require.Equal(t, CloseRecvRSTStream, reason)
}

func TestRSTStreamOnStreamZero(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&RSTStreamFrame{Code: ErrCodeCancel})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(StreamReset)
	require.True(t, ok)
	require.Equal(t, uint32(0), ev.StreamID)
	require.Equal(t, ErrCodeCancel, ev.Code)
	require.NoError(t, c.Err(), "stream 0 reset is an event, not an error")
}

func TestRSTStreamOnResetStreamReplies(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	_, err = c.Dispatch(&RSTStreamFrame{FrameHeader: FrameHeader{StreamID: 1}, Code: ErrCodeCancel})
	require.NoError(t, err)
	c.ClearOutbound()

	events, err := c.Dispatch(&RSTStreamFrame{FrameHeader: FrameHeader{StreamID: 1}, Code: ErrCodeCancel})
	require.NoError(t, err)
	require.Empty(t, events, "second reset of the same stream surfaces nothing")

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	rst, ok := frames[0].(*RSTStreamFrame)
	require.True(t, ok)
	require.Equal(t, uint32(1), rst.StreamID)
	require.Equal(t, ErrCodeStreamClosed, rst.Code)
}

func TestHeadersOnResetStreamReplies(t *testing.T) {
	c := openTestConn(t, true)
	require.NoError(t, c.SendHeaders(1, testFields, false))
	require.NoError(t, c.SendRSTStream(1, ErrCodeCancel))
	c.ClearOutbound()

	events, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, HeaderField{Name: ":status", Value: "200"}),
	})
	require.NoError(t, err, "a response crossing our reset is not fatal")
	require.Empty(t, events)
	require.NoError(t, c.Err())

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	rst, ok := frames[0].(*RSTStreamFrame)
	require.True(t, ok)
	require.Equal(t, uint32(1), rst.StreamID)
	require.Equal(t, ErrCodeStreamClosed, rst.Code)
}

func TestHeadersOnFinishedStreamFails(t *testing.T) {
	c := openTestConn(t, true)
	require.NoError(t, c.SendHeaders(1, testFields, false))
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		EndStream:     true,
		BlockFragment: stubBlock(t, HeaderField{Name: ":status", Value: "200"}),
	})
	require.NoError(t, err)
	require.NoError(t, c.SendHeaders(1, []HeaderField{{Name: "x-done", Value: "1"}}, true))

	reason, ok := c.ClosedStreamReason(1)
	require.True(t, ok)
	require.Equal(t, CloseSendEndStream, reason)

	_, err = c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.ErrorIs(t, err, ErrProtocol, "a stream that finished cleanly takes no more blocks")
}

func TestRSTStreamUnknownStream(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&RSTStreamFrame{FrameHeader: FrameHeader{StreamID: 99}, Code: ErrCodeCancel})
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.NoError(t, c.Err(), "a stream lookup miss must not poison the connection")

	// connection still works
	_, err = c.Dispatch(&DataFrame{FrameHeader: FrameHeader{StreamID: 3}, Data: []byte("x")})
	require.NoError(t, err)
}

func TestPushPromiseAfterLocalReset(t *testing.T) {
	c := openTestConn(t, true)
	require.NoError(t, c.SendHeaders(1, testFields, false))
	require.NoError(t, c.SendRSTStream(1, ErrCodeCancel))
	c.ClearOutbound()

	events, err := c.Dispatch(&PushPromiseFrame{
		FrameHeader:      FrameHeader{StreamID: 1},
		EndHeaders:       true,
		PromisedStreamID: 2,
		BlockFragment:    stubBlock(t, testFields...),
	})
	require.NoError(t, err, "push on a stream we reset is refused, not fatal")
	require.Empty(t, events)

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	rst, ok := frames[0].(*RSTStreamFrame)
	require.True(t, ok)
	require.Equal(t, uint32(2), rst.StreamID, "the promised stream gets the reset")
	require.Equal(t, ErrCodeRefusedStream, rst.Code)

	reason, ok := c.ClosedStreamReason(1)
	require.True(t, ok)
	require.Equal(t, CloseSendRSTStream, reason)
}

func TestPushPromiseOnStreamZero(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	events, err := c.Dispatch(&PushPromiseFrame{
		EndHeaders:       true,
		PromisedStreamID: 4,
		BlockFragment:    stubBlock(t, testFields...),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(PushPromiseReceived)
	require.True(t, ok)
	require.Equal(t, uint32(1), ev.ParentStreamID, "stream 0 promise resolves against stream 1")
	require.Equal(t, uint32(4), ev.PromisedStreamID)
	require.Equal(t, "reserved (remote)", c.StreamState(4))
}

func TestPushPromiseOnStreamZeroStrict(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) {
		cfg.Policy.PushPromiseOnStreamZeroMapsToOne = false
	})
	_, err := c.Dispatch(&PushPromiseFrame{
		EndHeaders:       true,
		PromisedStreamID: 4,
		BlockFragment:    stubBlock(t, testFields...),
	})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestPushPromiseEnablePushOff(t *testing.T) {
	// a server side engine never advertises ENABLE_PUSH
	c := newTestConn(t, false)
	_, err := c.Dispatch(&PushPromiseFrame{
		FrameHeader:      FrameHeader{StreamID: 1},
		EndHeaders:       true,
		PromisedStreamID: 2,
		BlockFragment:    stubBlock(t, testFields...),
	})
	require.ErrorIs(t, err, ErrProtocol)
	require.Error(t, c.Err())
}

func TestPushPromiseDeadParent(t *testing.T) {
	t.Run("never existed", func(t *testing.T) {
		c := newTestConn(t, true)
		_, err := c.Dispatch(&PushPromiseFrame{
			FrameHeader:      FrameHeader{StreamID: 7},
			EndHeaders:       true,
			PromisedStreamID: 8,
			BlockFragment:    stubBlock(t, testFields...),
		})
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("closed by peer reset", func(t *testing.T) {
		c := newTestConn(t, true)
		_, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, testFields...),
		})
		require.NoError(t, err)
		_, err = c.Dispatch(&RSTStreamFrame{FrameHeader: FrameHeader{StreamID: 1}, Code: ErrCodeCancel})
		require.NoError(t, err)

		_, err = c.Dispatch(&PushPromiseFrame{
			FrameHeader:      FrameHeader{StreamID: 1},
			EndHeaders:       true,
			PromisedStreamID: 2,
			BlockFragment:    stubBlock(t, testFields...),
		})
		require.ErrorIs(t, err, ErrProtocol, "only closures we caused are refused quietly")
	})
}

func TestNakedContinuationIgnored(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&ContinuationFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: []byte("orphan"),
	})
	require.NoError(t, err)
	require.Empty(t, events)
	require.NoError(t, c.Err())
	require.Equal(t, 0, c.StreamCount())
}

func TestContinuationAccumulation(t *testing.T) {
	c := newTestConn(t, true)
	first := stubBlock(t, testFields[0])
	second := stubBlock(t, testFields[1])

	c.headerFrames = []Frame{&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		BlockFragment: first,
	}}
	events, err := c.Dispatch(&ContinuationFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: second,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(HeadersReceived)
	require.True(t, ok)
	require.Equal(t, testFields, ev.Headers, "fragments must concatenate into one block")
	require.Nil(t, c.headerFrames, "accumulator must reset after completion")
}

func TestForcedSendData(t *testing.T) {
	c := newTestConn(t, true)
	require.NoError(t, c.SendData(7, []byte("hello"), false), "no stream, no handshake, still sends")

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	df, ok := frames[0].(*DataFrame)
	require.True(t, ok)
	require.Equal(t, uint32(7), df.StreamID)
	require.Equal(t, []byte("hello"), df.Data)

	require.Equal(t, "idle", c.State())
	require.Equal(t, 0, c.StreamCount())
	require.Equal(t, int64(defaultInitialWindowSize-5), c.OutboundWindow())
}

func TestForcedSendDataWindowGoesNegative(t *testing.T) {
	c := newTestConn(t, true)
	big := make([]byte, 70000)
	require.NoError(t, c.SendData(3, big, false))
	require.Equal(t, int64(defaultInitialWindowSize-70000), c.OutboundWindow())
	require.Negative(t, c.OutboundWindow())
}

func TestSendDataPaddedFlowControl(t *testing.T) {
	c := newTestConn(t, true)
	require.NoError(t, c.SendDataPadded(1, []byte("hi"), false, 10))
	// 2 data bytes + 10 padding + 1 pad length byte
	require.Equal(t, int64(defaultInitialWindowSize-13), c.OutboundWindow())

	frames := parseQueued(t, c.DataToSend())
	df := frames[0].(*DataFrame)
	require.True(t, df.Padded)
	require.Equal(t, uint8(10), df.PadLength)
	require.Equal(t, []byte("hi"), df.Data)
}

func TestSendDataStrict(t *testing.T) {
	strict := func(cfg *Config) { cfg.Policy.ForceSendDataIgnoringState = false }

	t.Run("unopened stream", func(t *testing.T) {
		c := newTestConn(t, true, strict)
		err := c.SendData(7, []byte("x"), false)
		require.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("half closed local", func(t *testing.T) {
		c := newTestConn(t, true, strict)
		require.NoError(t, c.SendHeaders(1, testFields, true))
		err := c.SendData(1, []byte("x"), false)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("window exceeded", func(t *testing.T) {
		c := newTestConn(t, true, strict)
		require.NoError(t, c.SendHeaders(1, testFields, false))
		err := c.SendData(1, make([]byte, 70000), false)
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestPingAutoAck(t *testing.T) {
	c := openTestConn(t, true)
	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	events, err := c.Dispatch(&PingFrame{Data: data})
	require.NoError(t, err)
	require.Equal(t, []Event{PingReceived{Data: data}}, events)

	frames := parseQueued(t, c.DataToSend())
	require.Len(t, frames, 1)
	pong := frames[0].(*PingFrame)
	require.True(t, pong.Ack)
	require.Equal(t, data, pong.Data, "ack echoes the opaque payload")

	events, err = c.Dispatch(&PingFrame{Ack: true, Data: data})
	require.NoError(t, err)
	require.Equal(t, []Event{PingAckReceived{Data: data}}, events)
	require.Nil(t, c.DataToSend(), "an ack is not acked back")
}

func TestGoAwayMovesToClosing(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&GoAwayFrame{
		LastStreamID: 5,
		Code:         ErrCodeEnhanceYourCalm,
		DebugData:    []byte("calm down"),
	})
	require.NoError(t, err)
	require.Equal(t, []Event{GoAwayReceived{
		LastStreamID: 5,
		Code:         ErrCodeEnhanceYourCalm,
		DebugData:    []byte("calm down"),
	}}, events)
	require.Equal(t, "closing", c.State())

	// draining tolerates further traffic
	_, err = c.Dispatch(&PingFrame{})
	require.NoError(t, err)
}

func TestSendGoAwayLastStreamID(t *testing.T) {
	c := newTestConn(t, true)
	// direction follows id parity, not who sent the frame: stream 2 is
	// server-initiated and feeds the inbound mark, stream 7 counts as
	// our own even though the peer opened it
	for _, id := range []uint32{2, 7} {
		_, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: id},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, testFields...),
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.SendGoAway(ErrCodeNo, nil))
	frames := parseQueued(t, c.DataToSend())
	ga := frames[0].(*GoAwayFrame)
	require.Equal(t, uint32(2), ga.LastStreamID, "GOAWAY carries the highest inbound stream id")
}

func TestPrioritySelfDependency(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&PriorityFrame{
		FrameHeader: FrameHeader{StreamID: 3},
		DependsOn:   3,
		Weight:      10,
	})
	require.NoError(t, err, "self-dependency passes through on receipt")
	require.Equal(t, []Event{PriorityUpdated{StreamID: 3, DependsOn: 3, Weight: 11}}, events)

	require.ErrorIs(t, c.SendPriority(3, 3, false, 10), ErrProtocol, "the send path still rejects it")
}

func TestPriorityWeightOffset(t *testing.T) {
	tests := []struct {
		wire uint8
		want uint16
	}{
		{0, 1},
		{15, 16},
		{255, 256},
	}
	for _, tt := range tests {
		c := newTestConn(t, true)
		events, err := c.Dispatch(&PriorityFrame{
			FrameHeader: FrameHeader{StreamID: 3},
			DependsOn:   1,
			Weight:      tt.wire,
		})
		require.NoError(t, err)
		ev := events[0].(PriorityUpdated)
		require.Equal(t, tt.want, ev.Weight, "wire weight %d", tt.wire)
	}
}

func TestWindowUpdateConnectionLevel(t *testing.T) {
	c := openTestConn(t, true)
	events, err := c.Dispatch(&WindowUpdateFrame{Increment: 1000})
	require.NoError(t, err)
	require.Equal(t, []Event{WindowUpdated{StreamID: 0, Delta: 1000}}, events)
	require.Equal(t, int64(defaultInitialWindowSize+1000), c.OutboundWindow())
}

func TestWindowUpdateStreamLevel(t *testing.T) {
	c := openTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	events, err := c.Dispatch(&WindowUpdateFrame{FrameHeader: FrameHeader{StreamID: 1}, Increment: 500})
	require.NoError(t, err)
	require.Equal(t, []Event{WindowUpdated{StreamID: 1, Delta: 500}}, events)
	_, outbound, _ := c.StreamWindows(1)
	require.Equal(t, int64(defaultInitialWindowSize+500), outbound)
}

func TestWindowUpdateClosedAndUnknown(t *testing.T) {
	c := openTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)
	_, err = c.Dispatch(&RSTStreamFrame{FrameHeader: FrameHeader{StreamID: 1}, Code: ErrCodeCancel})
	require.NoError(t, err)

	events, err := c.Dispatch(&WindowUpdateFrame{FrameHeader: FrameHeader{StreamID: 1}, Increment: 10})
	require.NoError(t, err, "update racing a closed stream is dropped")
	require.Empty(t, events)

	_, err = c.Dispatch(&WindowUpdateFrame{FrameHeader: FrameHeader{StreamID: 41}, Increment: 10})
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.NoError(t, c.Err())
}

func TestTrailersWithoutEndStream(t *testing.T) {
	setup := func(t *testing.T, relaxed bool) *Conn {
		c := newTestConn(t, true, func(cfg *Config) {
			cfg.Policy.TrailerEndStreamNotRequired = relaxed
		})
		require.NoError(t, c.SendHeaders(1, testFields, true))
		c.ClearOutbound()
		_, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, HeaderField{Name: ":status", Value: "200"}),
		})
		require.NoError(t, err)
		require.Equal(t, "half-closed (local)", c.StreamState(1))
		return c
	}

	trailerFields := []HeaderField{{Name: "grpc-status", Value: "0"}}

	t.Run("relaxed", func(t *testing.T) {
		c := setup(t, true)
		events, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, trailerFields...),
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.IsType(t, HeadersReceived{}, events[0])
		require.Equal(t, "half-closed (local)", c.StreamState(1), "stream stays parked without END_STREAM")
	})

	t.Run("relaxed ignores END_STREAM too", func(t *testing.T) {
		c := setup(t, true)
		events, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndStream:     true,
			EndHeaders:    true,
			BlockFragment: stubBlock(t, trailerFields...),
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.IsType(t, HeadersReceived{}, events[0])
		require.Equal(t, "half-closed (local)", c.StreamState(1), "END_STREAM is not acted on in this state")
	})

	t.Run("strict", func(t *testing.T) {
		c := setup(t, false)
		_, err := c.Dispatch(&HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, trailerFields...),
		})
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("open stream never tolerates it", func(t *testing.T) {
		c := newTestConn(t, true)
		first := &HeadersFrame{
			FrameHeader:   FrameHeader{StreamID: 1},
			EndHeaders:    true,
			BlockFragment: stubBlock(t, testFields...),
		}
		_, err := c.Dispatch(first)
		require.NoError(t, err)
		_, err = c.Dispatch(first)
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestDataEndStreamLeavesStreamAlone(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)

	events, err := c.Dispatch(&DataFrame{
		FrameHeader: FrameHeader{StreamID: 1},
		EndStream:   true,
		Data:        []byte("tail"),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].(DataReceived).EndStream)
	require.Equal(t, "open", c.StreamState(1), "DATA END_STREAM must not transition the stream")
}

func TestHeadersEndStreamHalfClosesRemote(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndStream:     true,
		EndHeaders:    true,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.IsType(t, HeadersReceived{}, events[0])
	require.Equal(t, StreamEnded{StreamID: 1}, events[1])
	require.Equal(t, "half-closed (remote)", c.StreamState(1))
}

func TestHeaderDecodeFailure(t *testing.T) {
	c := newTestConn(t, true)
	_, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 1},
		EndHeaders:    true,
		BlockFragment: []byte("not a header line"),
	})
	require.ErrorIs(t, err, ErrProtocol)
	require.Error(t, c.Err())
}

func TestHeadersWithPriority(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 3},
		EndHeaders:    true,
		HasPriority:   true,
		Exclusive:     true,
		DependsOn:     1,
		Weight:        9,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.IsType(t, HeadersReceived{}, events[0])
	require.Equal(t, PriorityUpdated{StreamID: 3, DependsOn: 1, Exclusive: true, Weight: 10}, events[1],
		"the priority event follows the stream events")

	events, err = c.Dispatch(&HeadersFrame{
		FrameHeader:   FrameHeader{StreamID: 5},
		EndHeaders:    true,
		HasPriority:   true,
		DependsOn:     5,
		BlockFragment: stubBlock(t, testFields...),
	})
	require.NoError(t, err, "self dependency in HEADERS passes through")
	require.Equal(t, PriorityUpdated{StreamID: 5, DependsOn: 5, Weight: 1}, events[1])
}

func TestAltSvcSurfaced(t *testing.T) {
	c := openTestConn(t, true)
	events, err := c.Dispatch(&AltSvcFrame{
		Origin: []byte("example.com"),
		Value:  []byte(`h3=":443"`),
	})
	require.NoError(t, err)
	require.Equal(t, []Event{AltSvcReceived{
		StreamID: 0,
		Origin:   []byte("example.com"),
		Value:    []byte(`h3=":443"`),
	}}, events)
}

func TestUnknownFrameIgnored(t *testing.T) {
	c := newTestConn(t, true)
	events, err := c.Dispatch(&UnknownFrame{
		FrameHeader: FrameHeader{Type: 0xee, StreamID: 12},
		Payload:     []byte("mystery"),
	})
	require.NoError(t, err)
	require.Empty(t, events)
	require.NoError(t, c.Err())
}

func TestReceiveDataChunked(t *testing.T) {
	c := newTestConn(t, true)
	var wire []byte
	wire = AppendFrame(wire, &SettingsFrame{Settings: []Setting{
		{ID: SettingMaxConcurrentStreams, Value: 10},
	}})
	wire = AppendFrame(wire, &PingFrame{Data: [8]byte{9}})

	split := len(wire) - 4
	events, err := c.ReceiveData(wire[:split])
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.IsType(t, SettingsReceived{}, events[0])

	events, err = c.ReceiveData(wire[split:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.IsType(t, PingReceived{}, events[0])
}

func TestReceiveDataFramingErrorPoisons(t *testing.T) {
	c := newTestConn(t, true)
	// WINDOW_UPDATE with a 3-byte body
	wire := appendFrameHeader(nil, 3, FrameWindowUpdate, 0, 0)
	wire = append(wire, 0, 0, 1)
	_, err := c.ReceiveData(wire)
	require.ErrorIs(t, err, ErrFraming)
	require.Error(t, c.Err())

	_, err = c.ReceiveData(nil)
	require.ErrorIs(t, err, ErrFraming)
}

func TestPoisonedConnRejectsSends(t *testing.T) {
	c := newTestConn(t, true, func(cfg *Config) { cfg.Policy.IdleDataHeadersAllowed = false })
	_, err := c.Dispatch(&DataFrame{FrameHeader: FrameHeader{StreamID: 1}})
	require.ErrorIs(t, err, ErrProtocol)

	require.ErrorIs(t, c.SendHeaders(1, testFields, false), ErrProtocol)
	require.ErrorIs(t, c.SendPing([8]byte{}), ErrProtocol)
	require.ErrorIs(t, c.SendData(1, nil, false), ErrProtocol)
	require.ErrorIs(t, c.InitiateConnection(), ErrProtocol)
}

func TestSendWindowUpdate(t *testing.T) {
	c := openTestConn(t, true)
	require.NoError(t, c.SendWindowUpdate(0, 4096))
	require.Equal(t, int64(defaultInitialWindowSize+4096), c.InboundWindow())

	require.ErrorIs(t, c.SendWindowUpdate(9, 100), ErrStreamNotFound)

	require.NoError(t, c.SendHeaders(1, testFields, false))
	require.NoError(t, c.SendWindowUpdate(1, 100))
	inbound, _, _ := c.StreamWindows(1)
	require.Equal(t, int64(defaultInitialWindowSize+100), inbound)
}

func TestSendRSTStreamUnknown(t *testing.T) {
	c := openTestConn(t, true)
	require.ErrorIs(t, c.SendRSTStream(9, ErrCodeCancel), ErrStreamNotFound)
}

func TestStreamStateReporting(t *testing.T) {
	c := openTestConn(t, true)
	require.Equal(t, "idle", c.StreamState(1))

	require.NoError(t, c.SendHeaders(1, testFields, false))
	require.Equal(t, "open", c.StreamState(1))

	require.NoError(t, c.SendRSTStream(1, ErrCodeCancel))
	require.Equal(t, "closed", c.StreamState(1))
	require.Equal(t, 0, c.StreamCount())
}
