// Package config loads and validates wireprobe run files: the target to
// dial, the engine policy, the scenario steps to drive, and the ambient
// capture, DNS, logging and metrics blocks.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"wireprobe/internal/h2"
)

type Config struct {
	Target   Target    `yaml:"target"`
	Engine   Engine    `yaml:"engine"`
	Scenario Scenario  `yaml:"scenario"`
	Capture  Capture   `yaml:"capture"`
	DNS      DNSConfig `yaml:"dns"`
	Echo     Echo      `yaml:"echo"`
	Logging  Logging   `yaml:"logging"`
	Metrics  Metrics   `yaml:"metrics"`
}

// Target describes the peer under probe and how to reach it.
type Target struct {
	Addr               string   `yaml:"addr"`
	Transport          string   `yaml:"transport"` // tcp | tls | utls
	ServerName         string   `yaml:"server_name"`
	Fingerprint        string   `yaml:"fingerprint"` // chrome | firefox | safari | random (utls)
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	CAFile             string   `yaml:"ca_file"`
	ALPN               []string `yaml:"alpn"`
	DialTimeout        string   `yaml:"dial_timeout"`
	ReadTimeout        string   `yaml:"read_timeout"`
}

// Engine selects which side the protocol engine plays and which
// conformance checks stay disabled.
type Engine struct {
	Role             string    `yaml:"role"` // client | server
	Policy           h2.Policy `yaml:"policy"`
	MaxClosedStreams int       `yaml:"max_closed_streams"`
}

type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scenario operation. Which fields matter depends on Op; the
// zero value of the rest is ignored. Stream ids are deliberately not
// validated for parity or association, sending on absurd ids is the point.
type Step struct {
	Op string `yaml:"op"`

	Stream    uint32   `yaml:"stream"`
	EndStream bool     `yaml:"end_stream"`
	Headers   []Header `yaml:"headers"`

	Data    string `yaml:"data"`     // literal payload
	DataHex string `yaml:"data_hex"` // hex payload, wins over data
	Padded  bool   `yaml:"padded"`
	PadLen  int    `yaml:"pad_len"`

	Settings []SettingPair `yaml:"settings"`

	Code  string `yaml:"code"`  // error code name for send_rst_stream, send_goaway
	Debug string `yaml:"debug"` // goaway debug data

	Increment uint32 `yaml:"increment"`

	DependsOn uint32 `yaml:"depends_on"`
	Exclusive bool   `yaml:"exclusive"`
	Weight    int    `yaml:"weight"`

	PingData string `yaml:"ping_data"` // 8 bytes of hex

	Timeout string `yaml:"timeout"` // recv wait, sleep duration

	Event string `yaml:"event"` // expect_event name

	Name  string `yaml:"name"`  // dns_query name
	Qtype string `yaml:"qtype"` // dns_query record type

	Addr    string `yaml:"addr"`    // tcp_echo, udp_echo target
	Payload string `yaml:"payload"` // echo payload
}

type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// SettingPair is one SETTINGS parameter by name or raw id.
type SettingPair struct {
	Name  string `yaml:"name"`
	ID    uint16 `yaml:"id"`
	Value uint32 `yaml:"value"`
}

// Capture configures frame logging.
type Capture struct {
	File    string `yaml:"file"` // JSONL frame log, .gz honored via gzip flag
	Gzip    bool   `yaml:"gzip"`
	PCAP    string `yaml:"pcap"` // synthesized packet capture
	SnapLen int    `yaml:"snaplen"`
}

// DNSConfig configures the DNS probe defaults.
type DNSConfig struct {
	Server          string `yaml:"server"`
	Protocol        string `yaml:"protocol"` // udp | tcp
	Timeout         string `yaml:"timeout"`
	RandomizePrefix bool   `yaml:"randomize_prefix"` // prepend a random label to queries
	QDCountMismatch bool   `yaml:"qdcount_mismatch"` // patch QDCOUNT after packing
}

// Echo configures the loopback echo endpoints scenarios can stand up.
type Echo struct {
	TCPListen string `yaml:"tcp_listen"`
	UDPListen string `yaml:"udp_listen"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"`
}

var stepOps = map[string]struct{}{
	"initiate":           {},
	"send_settings":      {},
	"ack_settings":       {},
	"send_headers":       {},
	"send_data":          {},
	"send_rst_stream":    {},
	"send_ping":          {},
	"send_window_update": {},
	"send_priority":      {},
	"send_goaway":        {},
	"recv":               {},
	"expect_event":       {},
	"expect_no_error":    {},
	"expect_stream":      {},
	"sleep":              {},
	"dns_query":          {},
	"tcp_echo":           {},
	"udp_echo":           {},
}

// networkOps are the steps that need a dialed target.
var networkOps = map[string]struct{}{
	"initiate":           {},
	"send_settings":      {},
	"ack_settings":       {},
	"send_headers":       {},
	"send_data":          {},
	"send_rst_stream":    {},
	"send_ping":          {},
	"send_window_update": {},
	"send_priority":      {},
	"send_goaway":        {},
	"recv":               {},
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a run file. Policy keys absent from the document keep the
// relaxed defaults, so a bare config probes with every check disabled.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Engine: Engine{Policy: h2.DefaultPolicy()}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Target.Transport == "" {
		c.Target.Transport = "tcp"
	}
	if len(c.Target.ALPN) == 0 {
		c.Target.ALPN = []string{"h2"}
	}
	if c.Target.DialTimeout == "" {
		c.Target.DialTimeout = "10s"
	}
	if c.Target.ReadTimeout == "" {
		c.Target.ReadTimeout = "2s"
	}
	if c.Target.ServerName == "" && c.Target.Addr != "" {
		if host, _, err := net.SplitHostPort(c.Target.Addr); err == nil {
			c.Target.ServerName = host
		}
	}
	if c.Engine.Role == "" {
		c.Engine.Role = "client"
	}
	if c.DNS.Protocol == "" {
		c.DNS.Protocol = "udp"
	}
	if c.DNS.Timeout == "" {
		c.DNS.Timeout = "5s"
	}
	if c.Capture.SnapLen == 0 {
		c.Capture.SnapLen = 65536
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Scenario.Steps {
		st := &c.Scenario.Steps[i]
		if st.Op == "recv" && st.Timeout == "" {
			st.Timeout = "1s"
		}
		if st.Op == "dns_query" && st.Qtype == "" {
			st.Qtype = "A"
		}
	}
}

func (c *Config) validate() error {
	switch c.Engine.Role {
	case "client", "server":
	default:
		return fmt.Errorf("engine.role must be 'client' or 'server'")
	}

	switch c.Target.Transport {
	case "tcp", "tls", "utls":
	default:
		return fmt.Errorf("target.transport must be one of: tcp, tls, utls")
	}
	switch strings.ToLower(strings.TrimSpace(c.Target.Fingerprint)) {
	case "", "chrome", "firefox", "safari", "random":
	default:
		return fmt.Errorf("target.fingerprint must be one of: chrome, firefox, safari, random")
	}
	if c.Target.Fingerprint != "" && c.Target.Transport != "utls" {
		return fmt.Errorf("target.fingerprint requires target.transport=utls")
	}
	if _, err := time.ParseDuration(c.Target.DialTimeout); err != nil {
		return fmt.Errorf("target.dial_timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Target.ReadTimeout); err != nil {
		return fmt.Errorf("target.read_timeout invalid: %w", err)
	}

	if c.Scenario.Name == "" {
		return fmt.Errorf("scenario.name is required")
	}
	if len(c.Scenario.Steps) == 0 {
		return fmt.Errorf("scenario.steps is required")
	}

	needsTarget := false
	for i := range c.Scenario.Steps {
		st := &c.Scenario.Steps[i]
		if err := st.validate(); err != nil {
			return fmt.Errorf("scenario.steps[%d]: %w", i, err)
		}
		if _, ok := networkOps[st.Op]; ok {
			needsTarget = true
		}
	}
	if needsTarget && c.Target.Addr == "" {
		return fmt.Errorf("target.addr is required by the scenario's network steps")
	}
	if c.Target.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Target.Addr); err != nil {
			return fmt.Errorf("target.addr must be host:port: %w", err)
		}
	}

	switch c.DNS.Protocol {
	case "udp", "tcp":
	default:
		return fmt.Errorf("dns.protocol must be udp or tcp")
	}
	if _, err := time.ParseDuration(c.DNS.Timeout); err != nil {
		return fmt.Errorf("dns.timeout invalid: %w", err)
	}

	if c.Capture.PCAP != "" && c.Capture.SnapLen < 64 {
		return fmt.Errorf("capture.snaplen must be >= 64")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}

func (s *Step) validate() error {
	if _, ok := stepOps[s.Op]; !ok {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	switch s.Op {
	case "send_data":
		if s.DataHex != "" {
			if _, err := hex.DecodeString(s.DataHex); err != nil {
				return fmt.Errorf("data_hex invalid: %w", err)
			}
		}
		if s.PadLen < 0 || s.PadLen > 255 {
			return fmt.Errorf("pad_len must be 0-255")
		}
		if s.PadLen > 0 && !s.Padded {
			return fmt.Errorf("pad_len requires padded: true")
		}
	case "send_settings":
		for _, p := range s.Settings {
			if p.Name == "" && p.ID == 0 {
				return fmt.Errorf("settings entries need a name or an id")
			}
			if p.Name != "" {
				if _, ok := SettingByName(p.Name); !ok {
					return fmt.Errorf("unknown setting %q", p.Name)
				}
			}
		}
	case "send_rst_stream", "send_goaway":
		if s.Code != "" {
			if _, ok := ErrCodeByName(s.Code); !ok {
				return fmt.Errorf("unknown error code %q", s.Code)
			}
		}
	case "send_ping":
		if s.PingData != "" {
			raw, err := hex.DecodeString(s.PingData)
			if err != nil {
				return fmt.Errorf("ping_data invalid: %w", err)
			}
			if len(raw) != 8 {
				return fmt.Errorf("ping_data must be 8 bytes, got %d", len(raw))
			}
		}
	case "send_priority":
		if s.Weight < 0 || s.Weight > 255 {
			return fmt.Errorf("weight must be 0-255")
		}
	case "recv", "sleep":
		if s.Op == "sleep" && s.Timeout == "" {
			return fmt.Errorf("sleep needs a timeout")
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("timeout invalid: %w", err)
			}
		}
	case "expect_event":
		if _, ok := EventNames[s.Event]; !ok {
			return fmt.Errorf("unknown event %q", s.Event)
		}
	case "expect_stream":
		if s.Name == "" {
			return fmt.Errorf("expect_stream needs a state in the name field")
		}
	case "dns_query":
		if s.Name == "" {
			return fmt.Errorf("dns_query needs a name")
		}
		if _, ok := DNSTypeByName(s.Qtype); !ok {
			return fmt.Errorf("unknown dns record type %q", s.Qtype)
		}
	case "tcp_echo", "udp_echo":
		if s.Addr == "" {
			return fmt.Errorf("%s needs an addr", s.Op)
		}
	}
	return nil
}

// Body resolves the payload of a send_data step.
func (s *Step) Body() ([]byte, error) {
	if s.DataHex != "" {
		return hex.DecodeString(s.DataHex)
	}
	return []byte(s.Data), nil
}

// PingPayload resolves the 8 byte PING payload, zero filled when unset.
func (s *Step) PingPayload() ([8]byte, error) {
	var out [8]byte
	if s.PingData == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(s.PingData)
	if err != nil {
		return out, err
	}
	if len(raw) != 8 {
		return out, fmt.Errorf("ping_data must be 8 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// StepDuration parses a step's timeout with a fallback.
func StepDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func (c *Config) DialTimeout() time.Duration {
	return StepDuration(c.Target.DialTimeout, 10*time.Second)
}

func (c *Config) ReadTimeout() time.Duration {
	return StepDuration(c.Target.ReadTimeout, 2*time.Second)
}

func (c *Config) DNSTimeout() time.Duration {
	return StepDuration(c.DNS.Timeout, 5*time.Second)
}

// ClientSide reports whether the engine plays the client role.
func (c *Config) ClientSide() bool { return c.Engine.Role == "client" }
