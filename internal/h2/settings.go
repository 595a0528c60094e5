package h2

import (
	"fmt"
	"sort"
)

// SettingID identifies one SETTINGS parameter. Identifiers outside the
// standard six are stored and echoed without interpretation.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if s, ok := settingNames[id]; ok {
		return s
	}
	return fmt.Sprintf("SETTING(0x%x)", uint16(id))
}

const (
	defaultHeaderTableSize      = 4096
	defaultInitialWindowSize    = 65535
	defaultMaxFrameSize         = 16384
	initialMaxConcurrentStreams = 100
	initialMaxHeaderListSize    = 65536
	maxWindowSize               = 1<<31 - 1
	maxAllowedFrameSize         = 1<<24 - 1
)

// Settings is one side's parameter table.
type Settings struct {
	values map[SettingID]uint32
}

// newLocalSettings seeds the table the engine advertises for itself. Clients
// keep push enabled so pushed streams can be probed.
func newLocalSettings(clientSide bool) *Settings {
	s := newPeerSettings(clientSide)
	s.values[SettingMaxConcurrentStreams] = initialMaxConcurrentStreams
	s.values[SettingMaxHeaderListSize] = initialMaxHeaderListSize
	return s
}

// newPeerSettings seeds the table assumed for the peer before any SETTINGS
// frame arrives.
func newPeerSettings(clientSide bool) *Settings {
	enablePush := uint32(0)
	if clientSide {
		enablePush = 1
	}
	return &Settings{values: map[SettingID]uint32{
		SettingHeaderTableSize:   defaultHeaderTableSize,
		SettingEnablePush:        enablePush,
		SettingInitialWindowSize: defaultInitialWindowSize,
		SettingMaxFrameSize:      defaultMaxFrameSize,
	}}
}

// Value reports the stored value for id and whether one is present.
func (s *Settings) Value(id SettingID) (uint32, bool) {
	v, ok := s.values[id]
	return v, ok
}

// EnablePush reports whether this side accepts pushed streams.
func (s *Settings) EnablePush() bool {
	return s.values[SettingEnablePush] == 1
}

// InitialWindowSize is the window granted to new streams.
func (s *Settings) InitialWindowSize() uint32 {
	if v, ok := s.values[SettingInitialWindowSize]; ok {
		return v
	}
	return defaultInitialWindowSize
}

// MaxFrameSize is the largest frame payload this side is prepared to read.
func (s *Settings) MaxFrameSize() uint32 {
	if v, ok := s.values[SettingMaxFrameSize]; ok {
		return v
	}
	return defaultMaxFrameSize
}

// Apply stores one received pair. With strict off every value is stored,
// in range or not. Strict mode applies the standard range checks.
func (s *Settings) Apply(st Setting, strict bool) error {
	if strict {
		switch st.ID {
		case SettingEnablePush:
			if st.Value > 1 {
				return protocolErrf("ENABLE_PUSH value %d", st.Value)
			}
		case SettingInitialWindowSize:
			if st.Value > maxWindowSize {
				return protocolErrf("INITIAL_WINDOW_SIZE value %d overflows flow control window", st.Value)
			}
		case SettingMaxFrameSize:
			if st.Value < defaultMaxFrameSize || st.Value > maxAllowedFrameSize {
				return protocolErrf("MAX_FRAME_SIZE value %d out of range", st.Value)
			}
		}
	}
	s.values[st.ID] = st.Value
	return nil
}

// wireList returns the table as SETTINGS frame pairs in ascending id order.
func (s *Settings) wireList() []Setting {
	out := make([]Setting, 0, len(s.values))
	for id, v := range s.values {
		out = append(out, Setting{ID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot copies the table for introspection.
func (s *Settings) snapshot() map[SettingID]uint32 {
	out := make(map[SettingID]uint32, len(s.values))
	for id, v := range s.values {
		out[id] = v
	}
	return out
}
