// Package metrics keeps probe run counters and serves them over an
// optional web endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the JSON shape of all counters at one instant.
type Snapshot struct {
	ScenariosTotal      int64 `json:"scenarios_total"`
	ScenariosFailed     int64 `json:"scenarios_failed"`
	StepsTotal          int64 `json:"steps_total"`
	StepsFailed         int64 `json:"steps_failed"`
	FramesSentTotal     int64 `json:"frames_sent_total"`
	FramesReceivedTotal int64 `json:"frames_received_total"`
	BytesSentTotal      int64 `json:"bytes_sent_total"`
	BytesReceivedTotal  int64 `json:"bytes_received_total"`
	FramingErrors       int64 `json:"framing_errors_total"`
	ProtocolErrors      int64 `json:"protocol_errors_total"`
	DNSQueriesTotal     int64 `json:"dns_queries_total"`
	DNSFailures         int64 `json:"dns_failures_total"`
	LastDialMs          int64 `json:"last_dial_ms"`
	UpdatedUnix         int64 `json:"updated_unix"`

	FramesSent     map[string]int64 `json:"frames_sent,omitempty"`
	FramesReceived map[string]int64 `json:"frames_received,omitempty"`
	Events         map[string]int64 `json:"events,omitempty"`
}

var (
	scenariosTotal  atomic.Int64
	scenariosFailed atomic.Int64
	stepsTotal      atomic.Int64
	stepsFailed     atomic.Int64
	framesSent      atomic.Int64
	framesReceived  atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	framingErrors   atomic.Int64
	protocolErrors  atomic.Int64
	dnsQueries      atomic.Int64
	dnsFailures     atomic.Int64
	lastDialMs      atomic.Int64

	framesSentByType sync.Map // frame type name -> *atomic.Int64
	framesRecvByType sync.Map // frame type name -> *atomic.Int64
	eventsByName     sync.Map // event name -> *atomic.Int64
)

func IncScenario(failed bool) {
	scenariosTotal.Add(1)
	if failed {
		scenariosFailed.Add(1)
	}
}

func IncStep(failed bool) {
	stepsTotal.Add(1)
	if failed {
		stepsFailed.Add(1)
	}
}

// IncFrameSent records one outbound frame of the named type.
func IncFrameSent(kind string) {
	framesSent.Add(1)
	bump(&framesSentByType, kind)
}

// IncFrameReceived records one inbound frame of the named type.
func IncFrameReceived(kind string) {
	framesReceived.Add(1)
	bump(&framesRecvByType, kind)
}

func AddBytesSent(n int64) {
	if n > 0 {
		bytesSent.Add(n)
	}
}

func AddBytesReceived(n int64) {
	if n > 0 {
		bytesReceived.Add(n)
	}
}

func IncFramingError()  { framingErrors.Add(1) }
func IncProtocolError() { protocolErrors.Add(1) }

// IncEvent records one surfaced engine event by name.
func IncEvent(name string) {
	bump(&eventsByName, name)
}

func IncDNSQuery(failed bool) {
	dnsQueries.Add(1)
	if failed {
		dnsFailures.Add(1)
	}
}

func SetDialTime(d time.Duration) { lastDialMs.Store(d.Milliseconds()) }

func bump(m *sync.Map, key string) {
	if key == "" {
		return
	}
	v, _ := m.LoadOrStore(key, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func SnapshotData() Snapshot {
	return Snapshot{
		ScenariosTotal:      scenariosTotal.Load(),
		ScenariosFailed:     scenariosFailed.Load(),
		StepsTotal:          stepsTotal.Load(),
		StepsFailed:         stepsFailed.Load(),
		FramesSentTotal:     framesSent.Load(),
		FramesReceivedTotal: framesReceived.Load(),
		BytesSentTotal:      bytesSent.Load(),
		BytesReceivedTotal:  bytesReceived.Load(),
		FramingErrors:       framingErrors.Load(),
		ProtocolErrors:      protocolErrors.Load(),
		DNSQueriesTotal:     dnsQueries.Load(),
		DNSFailures:         dnsFailures.Load(),
		LastDialMs:          lastDialMs.Load(),
		UpdatedUnix:         time.Now().Unix(),
		FramesSent:          collect(&framesSentByType),
		FramesReceived:      collect(&framesRecvByType),
		Events:              collect(&eventsByName),
	}
}
