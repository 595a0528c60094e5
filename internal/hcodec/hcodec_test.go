package hcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wireprobe/internal/h2"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()
	fields := []h2.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/probe"},
		{Name: ":authority", Value: "example.com"},
		{Name: "user-agent", Value: "wireprobe"},
	}

	block, err := c.Encode(fields)
	require.NoError(t, err)
	require.NotEmpty(t, block)

	got, err := c.Decode(block)
	require.NoError(t, err)
	require.Equal(t, fields, got)
}

func TestDynamicTableIndexing(t *testing.T) {
	c := New()
	fields := []h2.HeaderField{{Name: "x-probe-run", Value: "f81ad3c0"}}

	first, err := c.Encode(fields)
	require.NoError(t, err)
	second, err := c.Encode(fields)
	require.NoError(t, err)

	require.Less(t, len(second), len(first),
		"a repeated field should collapse to a dynamic table index")

	// decoder state has to track the encoder block by block
	got, err := c.Decode(first)
	require.NoError(t, err)
	require.Equal(t, fields, got)
	got, err = c.Decode(second)
	require.NoError(t, err)
	require.Equal(t, fields, got)
}

func TestEncodeResultsDoNotAlias(t *testing.T) {
	c := New()
	first, err := c.Encode([]h2.HeaderField{{Name: "a", Value: "1"}})
	require.NoError(t, err)
	snapshot := append([]byte(nil), first...)

	_, err = c.Encode([]h2.HeaderField{{Name: "completely-different-name", Value: "2"}})
	require.NoError(t, err)
	require.Equal(t, snapshot, first, "an earlier block must survive later encodes")
}

func TestDecodeInvalidBlock(t *testing.T) {
	c := New()
	// indexed reference into an empty dynamic table
	_, err := c.Decode([]byte{0xbe})
	require.Error(t, err)
}

func TestEmptyBlock(t *testing.T) {
	c := New()
	block, err := c.Encode(nil)
	require.NoError(t, err)
	require.Empty(t, block)

	got, err := c.Decode(nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
