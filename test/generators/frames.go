package generators

import (
	"pgregory.net/rapid"
)

// FrameType generates the defined wire frame types.
// DATA=0x0 through ALTSVC=0xa.
func FrameType() *rapid.Generator[byte] {
	return rapid.SampledFrom([]byte{0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa})
}

// UnknownFrameType generates frame types outside the defined range.
// Receivers are expected to skip these.
func UnknownFrameType() *rapid.Generator[byte] {
	return rapid.Custom(func(t *rapid.T) byte {
		return byte(rapid.IntRange(0x0b, 0xff).Draw(t, "type"))
	})
}

// ClientStreamID generates odd stream identifiers.
func ClientStreamID() *rapid.Generator[uint32] {
	return rapid.Custom(func(t *rapid.T) uint32 {
		return rapid.Uint32Range(0, (1<<30)-1).Draw(t, "n")*2 + 1
	})
}

// ServerStreamID generates even, nonzero stream identifiers.
func ServerStreamID() *rapid.Generator[uint32] {
	return rapid.Custom(func(t *rapid.T) uint32 {
		return rapid.Uint32Range(1, (1<<30)-1).Draw(t, "n") * 2
	})
}

// Payload generates frame payloads.
// Size range: 0-1024 bytes, small enough to keep shrinking fast.
func Payload() *rapid.Generator[[]byte] {
	return rapid.SliceOfN(rapid.Byte(), 0, 1024)
}

// PadLength generates DATA padding lengths.
func PadLength() *rapid.Generator[byte] {
	return rapid.Byte()
}

// SettingID generates the defined SETTINGS identifiers.
// HEADER_TABLE_SIZE=0x1 through MAX_HEADER_LIST_SIZE=0x6.
func SettingID() *rapid.Generator[uint16] {
	return rapid.SampledFrom([]uint16{0x1, 0x2, 0x3, 0x4, 0x5, 0x6})
}

// UnknownSettingID generates SETTINGS identifiers outside the defined set.
func UnknownSettingID() *rapid.Generator[uint16] {
	return rapid.Uint16Range(0x7, 0xffff)
}

// SettingValue generates arbitrary 32-bit setting values, including ones
// a validating peer would reject.
func SettingValue() *rapid.Generator[uint32] {
	return rapid.Uint32()
}

// ErrCode generates the defined error codes.
// NO_ERROR=0x0 through HTTP_1_1_REQUIRED=0xd.
func ErrCode() *rapid.Generator[uint32] {
	return rapid.Uint32Range(0x0, 0xd)
}

// WindowIncrement generates WINDOW_UPDATE increments across the full
// unsigned range, zero and the reserved bit included.
func WindowIncrement() *rapid.Generator[uint32] {
	return rapid.Uint32()
}

// PingData generates 8-byte PING payloads.
func PingData() *rapid.Generator[[]byte] {
	return rapid.SliceOfN(rapid.Byte(), 8, 8)
}
