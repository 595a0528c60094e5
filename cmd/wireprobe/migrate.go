// Configuration migration for wireprobe run files.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"wireprobe/internal/config"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Version represents the run file schema version
type Version string

const (
	VersionLegacy  Version = "legacy"
	VersionCurrent Version = "current"
)

// LegacyConfig represents the flat probe configuration format
type LegacyConfig struct {
	Host       string   `yaml:"host,omitempty" json:"host,omitempty"`
	Port       int      `yaml:"port,omitempty" json:"port,omitempty"`
	TLS        bool     `yaml:"tls,omitempty" json:"tls,omitempty"`
	Insecure   bool     `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	ServerName string   `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Checks     []string `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// The migrator writes run files through its own mirror of the schema so
// the emitted document only carries the keys the migration filled in.
type runFile struct {
	Target   runTarget   `yaml:"target" json:"target"`
	Scenario runScenario `yaml:"scenario" json:"scenario"`
}

type runTarget struct {
	Addr               string `yaml:"addr" json:"addr"`
	Transport          string `yaml:"transport,omitempty" json:"transport,omitempty"`
	ServerName         string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

type runScenario struct {
	Name  string    `yaml:"name" json:"name"`
	Steps []runStep `yaml:"steps" json:"steps"`
}

type runStep struct {
	Op        string      `yaml:"op" json:"op"`
	Stream    uint32      `yaml:"stream,omitempty" json:"stream,omitempty"`
	EndStream bool        `yaml:"end_stream,omitempty" json:"end_stream,omitempty"`
	Headers   []runHeader `yaml:"headers,omitempty" json:"headers,omitempty"`
	Event     string      `yaml:"event,omitempty" json:"event,omitempty"`
	Timeout   string      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type runHeader struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Migrator handles run file migration
type Migrator struct {
	inputPath  string
	outputPath string
}

// NewMigrator creates a new migrator
func NewMigrator(input, output string) *Migrator {
	return &Migrator{
		inputPath:  input,
		outputPath: output,
	}
}

// DetectVersion detects the run file version
func (m *Migrator) DetectVersion(data []byte) Version {
	var rf runFile
	if err := yaml.Unmarshal(data, &rf); err == nil {
		if rf.Scenario.Name != "" || len(rf.Scenario.Steps) > 0 {
			return VersionCurrent
		}
	}

	// Try JSON
	if err := json.Unmarshal(data, &rf); err == nil {
		if rf.Scenario.Name != "" || len(rf.Scenario.Steps) > 0 {
			return VersionCurrent
		}
	}

	return VersionLegacy
}

// Migrate migrates a legacy probe config to the run file schema
func (m *Migrator) Migrate() error {
	data, err := os.ReadFile(m.inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	version := m.DetectVersion(data)
	fmt.Printf("Detected config version: %s\n", version)

	if version == VersionCurrent {
		fmt.Println("Config already uses the scenario schema")
		return m.copyIfNeeded(data)
	}

	var legacy LegacyConfig
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		if err := json.Unmarshal(data, &legacy); err != nil {
			return fmt.Errorf("parse legacy config: %w", err)
		}
	}

	rf, err := m.migrateLegacy(&legacy)
	if err != nil {
		return err
	}

	output, err := yaml.Marshal(rf)
	if err != nil {
		return fmt.Errorf("marshal run file: %w", err)
	}

	header := "# wireprobe run file\n# Migrated from a legacy probe config\n\n"
	output = append([]byte(header), output...)

	if err := os.WriteFile(m.outputPath, output, 0600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	fmt.Printf("Migrated run file written to: %s\n", m.outputPath)
	return nil
}

// migrateLegacy maps the flat legacy keys onto a scenario
func (m *Migrator) migrateLegacy(legacy *LegacyConfig) (*runFile, error) {
	host := legacy.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := legacy.Port
	if port == 0 {
		if legacy.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	transport := "tcp"
	scheme := "http"
	if legacy.TLS {
		transport = "tls"
		scheme = "https"
	}

	rf := &runFile{
		Target: runTarget{
			Addr:               fmt.Sprintf("%s:%d", host, port),
			Transport:          transport,
			ServerName:         legacy.ServerName,
			InsecureSkipVerify: legacy.Insecure,
		},
		Scenario: runScenario{Name: "migrated"},
	}

	steps := []runStep{
		{Op: "initiate"},
		{Op: "recv", Timeout: legacy.Timeout},
	}
	checks := legacy.Checks
	if len(checks) == 0 {
		checks = []string{"settings"}
	}
	for _, check := range checks {
		switch check {
		case "settings":
			steps = append(steps, runStep{Op: "expect_event", Event: "settings_received"})
		case "ping":
			steps = append(steps,
				runStep{Op: "send_ping"},
				runStep{Op: "expect_event", Event: "ping_ack_received"},
			)
		case "get", "headers":
			steps = append(steps,
				runStep{
					Op:        "send_headers",
					Stream:    1,
					EndStream: true,
					Headers: []runHeader{
						{Name: ":method", Value: "GET"},
						{Name: ":scheme", Value: scheme},
						{Name: ":authority", Value: host},
						{Name: ":path", Value: "/"},
					},
				},
				runStep{Op: "expect_event", Stream: 1, Event: "headers_received"},
			)
		default:
			return nil, fmt.Errorf("unknown check %q", check)
		}
	}
	steps = append(steps, runStep{Op: "expect_no_error"})
	rf.Scenario.Steps = steps

	return rf, nil
}

// copyIfNeeded copies the file if output path differs from input
func (m *Migrator) copyIfNeeded(data []byte) error {
	if m.inputPath == m.outputPath {
		return nil
	}
	return os.WriteFile(m.outputPath, data, 0600)
}

// Validate parses a run file with the real loader
func (m *Migrator) Validate() error {
	data, err := os.ReadFile(m.inputPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if m.DetectVersion(data) == VersionLegacy {
		return fmt.Errorf("legacy config: run 'wireprobe migrate %s' first", m.inputPath)
	}
	if _, err := config.Parse(data); err != nil {
		return err
	}
	fmt.Println("Run file is valid")
	return nil
}

func migrateMain(args []string) {
	command := args[0]

	switch command {
	case "migrate":
		if len(args) < 2 {
			fmt.Println("Usage: wireprobe migrate <input> [output]")
			os.Exit(1)
		}
		input := args[1]
		output := input
		if len(args) >= 3 {
			output = args[2]
		} else {
			// Add .run suffix
			ext := filepath.Ext(input)
			output = strings.TrimSuffix(input, ext) + ".run" + ext
		}

		m := NewMigrator(input, output)
		if err := m.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}

	case "validate":
		if len(args) < 2 {
			fmt.Println("Usage: wireprobe validate <config>")
			os.Exit(1)
		}
		input := args[1]

		m := NewMigrator(input, input)
		if err := m.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			os.Exit(1)
		}

	case "detect":
		if len(args) < 2 {
			fmt.Println("Usage: wireprobe detect <config>")
			os.Exit(1)
		}
		input := args[1]

		data, err := os.ReadFile(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}

		m := NewMigrator(input, input)
		version := m.DetectVersion(data)
		fmt.Printf("Detected version: %s\n", version)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		os.Exit(1)
	}
}
