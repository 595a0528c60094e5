package h2

// Policy selects which conformance checks the engine deliberately breaks.
// Every switch is independent. The zero value is a strict engine;
// DefaultPolicy returns the relaxed profile the tool normally probes with.
type Policy struct {
	// SkipClientPreface makes InitiateConnection emit nothing at all: no
	// preamble, no SETTINGS, and the connection state stays idle.
	SkipClientPreface bool `yaml:"skip_client_preface"`

	// IncorrectPreface sends an HTTP/1.1 preamble in place of the
	// HTTP/2.0 one.
	IncorrectPreface bool `yaml:"incorrect_preface"`

	// SkipInitialSettings suppresses the SETTINGS frame (and its state
	// transition) during InitiateConnection.
	SkipInitialSettings bool `yaml:"skip_initial_settings"`

	// SkipInitialSettingsAck suppresses the automatic ACK normally queued
	// when a SETTINGS frame arrives.
	SkipInitialSettingsAck bool `yaml:"skip_initial_settings_ack"`

	// SettingsValidationDisabled stores any SETTINGS value, in or out of
	// range, without complaint.
	SettingsValidationDisabled bool `yaml:"settings_value_validation_disabled"`

	// IdleDataHeadersAllowed accepts DATA and HEADERS, sent or received,
	// on an idle connection with no transition and no error.
	IdleDataHeadersAllowed bool `yaml:"idle_data_headers_allowed"`

	// RSTStreamBodyIgnored parses every RST_STREAM as error code 0
	// regardless of its body bytes or body length.
	RSTStreamBodyIgnored bool `yaml:"rst_stream_body_ignored"`

	// PushPromiseOnStreamZeroMapsToOne resolves a PUSH_PROMISE carried on
	// stream 0 against stream 1.
	PushPromiseOnStreamZeroMapsToOne bool `yaml:"push_promise_on_stream_zero_maps_to_one"`

	// TrailerEndStreamNotRequired accepts trailing HEADERS without
	// END_STREAM on half-closed (local) streams.
	TrailerEndStreamNotRequired bool `yaml:"trailer_end_stream_not_required"`

	// ForceSendDataIgnoringState serializes DATA without consulting the
	// connection or stream state.
	ForceSendDataIgnoringState bool `yaml:"force_send_data_ignoring_state"`
}

// DefaultPolicy returns the relaxed profile: the checks the engine was built
// to break are broken, the handshake runs normally.
func DefaultPolicy() Policy {
	return Policy{
		SettingsValidationDisabled:       true,
		IdleDataHeadersAllowed:           true,
		RSTStreamBodyIgnored:             true,
		PushPromiseOnStreamZeroMapsToOne: true,
		TrailerEndStreamNotRequired:      true,
		ForceSendDataIgnoringState:       true,
	}
}
