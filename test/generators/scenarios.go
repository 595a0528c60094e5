package generators

import (
	"pgregory.net/rapid"
)

// StepOp generates scenario operation names.
func StepOp() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"initiate", "send_settings", "ack_settings", "send_headers",
		"send_data", "send_rst_stream", "send_ping", "send_window_update",
		"send_priority", "send_goaway", "recv", "expect_event",
		"expect_no_error", "expect_stream", "sleep", "dns_query",
		"tcp_echo", "udp_echo",
	})
}

// EventName generates the observable event names scenarios match on.
func EventName() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"headers_received", "data_received", "stream_ended", "stream_reset",
		"window_updated", "priority_updated", "push_promise_received",
		"settings_received", "settings_acked", "ping_received",
		"ping_ack_received", "goaway_received", "altsvc_received",
	})
}

// HeaderName generates header field names, pseudo-headers included.
func HeaderName() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		":method", ":path", ":scheme", ":authority", ":status",
		"accept", "content-type", "content-length", "user-agent",
		"cache-control", "x-request-id",
	})
}

// HeaderValue generates printable header field values.
func HeaderValue() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9/:=,. -]{0,64}`)
}

// TransportKind generates the dialable transport kinds.
func TransportKind() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{"tcp", "tls", "utls"})
}

// Fingerprint generates the supported client hello fingerprints.
func Fingerprint() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{"chrome", "firefox", "safari", "random"})
}
