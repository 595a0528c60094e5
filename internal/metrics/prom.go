package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector exposes the package counters to a prometheus registry as
// const metrics, so scrapes always see the live atomic values.
type collector struct {
	scenariosTotal  *prometheus.Desc
	scenariosFailed *prometheus.Desc
	stepsTotal      *prometheus.Desc
	stepsFailed     *prometheus.Desc
	framesSent      *prometheus.Desc
	framesReceived  *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
	framingErrors   *prometheus.Desc
	protocolErrors  *prometheus.Desc
	dnsQueries      *prometheus.Desc
	dnsFailures     *prometheus.Desc
	lastDialMs      *prometheus.Desc
	framesSentType  *prometheus.Desc
	framesRecvType  *prometheus.Desc
	events          *prometheus.Desc
}

// NewCollector returns a prometheus collector over the probe counters.
func NewCollector() prometheus.Collector {
	return &collector{
		scenariosTotal:  prometheus.NewDesc("wireprobe_scenarios_total", "Scenarios run", nil, nil),
		scenariosFailed: prometheus.NewDesc("wireprobe_scenarios_failed_total", "Scenarios with at least one failed step", nil, nil),
		stepsTotal:      prometheus.NewDesc("wireprobe_steps_total", "Scenario steps executed", nil, nil),
		stepsFailed:     prometheus.NewDesc("wireprobe_steps_failed_total", "Scenario steps that failed", nil, nil),
		framesSent:      prometheus.NewDesc("wireprobe_frames_sent_total", "Frames written to the wire", nil, nil),
		framesReceived:  prometheus.NewDesc("wireprobe_frames_received_total", "Frames parsed off the wire", nil, nil),
		bytesSent:       prometheus.NewDesc("wireprobe_bytes_sent_total", "Bytes written to the wire", nil, nil),
		bytesReceived:   prometheus.NewDesc("wireprobe_bytes_received_total", "Bytes read from the wire", nil, nil),
		framingErrors:   prometheus.NewDesc("wireprobe_framing_errors_total", "Unrecoverable framing errors", nil, nil),
		protocolErrors:  prometheus.NewDesc("wireprobe_protocol_errors_total", "Connection-fatal protocol errors", nil, nil),
		dnsQueries:      prometheus.NewDesc("wireprobe_dns_queries_total", "DNS probe queries sent", nil, nil),
		dnsFailures:     prometheus.NewDesc("wireprobe_dns_failures_total", "DNS probe queries that failed", nil, nil),
		lastDialMs:      prometheus.NewDesc("wireprobe_last_dial_ms", "Duration of the most recent target dial", nil, nil),
		framesSentType:  prometheus.NewDesc("wireprobe_frames_sent_by_type_total", "Frames written, by frame type", []string{"type"}, nil),
		framesRecvType:  prometheus.NewDesc("wireprobe_frames_received_by_type_total", "Frames parsed, by frame type", []string{"type"}, nil),
		events:          prometheus.NewDesc("wireprobe_events_total", "Engine events surfaced, by event", []string{"event"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scenariosTotal
	ch <- c.scenariosFailed
	ch <- c.stepsTotal
	ch <- c.stepsFailed
	ch <- c.framesSent
	ch <- c.framesReceived
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.framingErrors
	ch <- c.protocolErrors
	ch <- c.dnsQueries
	ch <- c.dnsFailures
	ch <- c.lastDialMs
	ch <- c.framesSentType
	ch <- c.framesRecvType
	ch <- c.events
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := SnapshotData()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.scenariosTotal, st.ScenariosTotal)
	counter(c.scenariosFailed, st.ScenariosFailed)
	counter(c.stepsTotal, st.StepsTotal)
	counter(c.stepsFailed, st.StepsFailed)
	counter(c.framesSent, st.FramesSentTotal)
	counter(c.framesReceived, st.FramesReceivedTotal)
	counter(c.bytesSent, st.BytesSentTotal)
	counter(c.bytesReceived, st.BytesReceivedTotal)
	counter(c.framingErrors, st.FramingErrors)
	counter(c.protocolErrors, st.ProtocolErrors)
	counter(c.dnsQueries, st.DNSQueriesTotal)
	counter(c.dnsFailures, st.DNSFailures)
	ch <- prometheus.MustNewConstMetric(c.lastDialMs, prometheus.GaugeValue, float64(st.LastDialMs))
	for name, n := range st.FramesSent {
		counter(c.framesSentType, n, name)
	}
	for name, n := range st.FramesReceived {
		counter(c.framesRecvType, n, name)
	}
	for name, n := range st.Events {
		counter(c.events, n, name)
	}
}
