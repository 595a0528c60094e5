package config

import (
	"strings"

	"github.com/miekg/dns"

	"wireprobe/internal/h2"
)

var errCodesByName = map[string]h2.ErrCode{
	"NO_ERROR":            h2.ErrCodeNo,
	"PROTOCOL_ERROR":      h2.ErrCodeProtocol,
	"INTERNAL_ERROR":      h2.ErrCodeInternal,
	"FLOW_CONTROL_ERROR":  h2.ErrCodeFlowControl,
	"SETTINGS_TIMEOUT":    h2.ErrCodeSettingsTimeout,
	"STREAM_CLOSED":       h2.ErrCodeStreamClosed,
	"FRAME_SIZE_ERROR":    h2.ErrCodeFrameSize,
	"REFUSED_STREAM":      h2.ErrCodeRefusedStream,
	"CANCEL":              h2.ErrCodeCancel,
	"COMPRESSION_ERROR":   h2.ErrCodeCompression,
	"CONNECT_ERROR":       h2.ErrCodeConnect,
	"ENHANCE_YOUR_CALM":   h2.ErrCodeEnhanceYourCalm,
	"INADEQUATE_SECURITY": h2.ErrCodeInadequateSecurity,
	"HTTP_1_1_REQUIRED":   h2.ErrCodeHTTP11Required,
}

// ErrCodeByName resolves an RST_STREAM or GOAWAY code name. Names follow
// the wire registry, upper case with underscores.
func ErrCodeByName(name string) (h2.ErrCode, bool) {
	c, ok := errCodesByName[strings.ToUpper(strings.TrimSpace(name))]
	return c, ok
}

var settingsByName = map[string]h2.SettingID{
	"HEADER_TABLE_SIZE":      h2.SettingHeaderTableSize,
	"ENABLE_PUSH":            h2.SettingEnablePush,
	"MAX_CONCURRENT_STREAMS": h2.SettingMaxConcurrentStreams,
	"INITIAL_WINDOW_SIZE":    h2.SettingInitialWindowSize,
	"MAX_FRAME_SIZE":         h2.SettingMaxFrameSize,
	"MAX_HEADER_LIST_SIZE":   h2.SettingMaxHeaderListSize,
}

// SettingByName resolves a SETTINGS parameter name.
func SettingByName(name string) (h2.SettingID, bool) {
	id, ok := settingsByName[strings.ToUpper(strings.TrimSpace(name))]
	return id, ok
}

// Resolve picks the setting id: the name wins when both are given.
func (p SettingPair) Resolve() h2.SettingID {
	if p.Name != "" {
		if id, ok := SettingByName(p.Name); ok {
			return id
		}
	}
	return h2.SettingID(p.ID)
}

// EventNames is the set of observable engine events a scenario can assert
// on with expect_event.
var EventNames = map[string]struct{}{
	"headers_received":      {},
	"data_received":         {},
	"stream_ended":          {},
	"stream_reset":          {},
	"window_updated":        {},
	"priority_updated":      {},
	"push_promise_received": {},
	"settings_received":     {},
	"settings_acked":        {},
	"ping_received":         {},
	"ping_ack_received":     {},
	"goaway_received":       {},
	"altsvc_received":       {},
}

// DNSTypeByName resolves a DNS record type mnemonic like A or TXT.
func DNSTypeByName(name string) (uint16, bool) {
	t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
	return t, ok
}
