package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebServer exposes the probe counters over HTTP.
type WebServer struct {
	registry    *prometheus.Registry
	addr        string
	enablePprof bool
	startTime   time.Time
}

// WebServerOption configures a WebServer.
type WebServerOption func(*WebServer)

// WithPprof enables /debug/pprof/* endpoints.
func WithPprof(enable bool) WebServerOption {
	return func(ws *WebServer) {
		ws.enablePprof = enable
	}
}

// NewWebServer creates the metrics endpoint on addr.
func NewWebServer(addr string, opts ...WebServerOption) *WebServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewCollector())

	ws := &WebServer{
		registry:  registry,
		addr:      addr,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// Handler builds the endpoint mux. Split out from Start so tests can
// drive it without a listener.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", s.handleJSON)
	mux.HandleFunc("/debug/status/text", s.handleTextStatus)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

// Start serves until the listener fails.
func (s *WebServer) Start() error {
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *WebServer) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(SnapshotData())
}

func (s *WebServer) handleTextStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := SnapshotData()
	uptime := time.Since(s.startTime).Truncate(time.Second)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "=== wireprobe status ===\n\n")
	fmt.Fprintf(w, "Uptime:       %s\n", uptime)
	fmt.Fprintf(w, "Go Version:   %s\n", runtime.Version())
	fmt.Fprintf(w, "Goroutines:   %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "--- Runs ---\n")
	fmt.Fprintf(w, "Scenarios:    %d run, %d failed\n", st.ScenariosTotal, st.ScenariosFailed)
	fmt.Fprintf(w, "Steps:        %d run, %d failed\n", st.StepsTotal, st.StepsFailed)
	fmt.Fprintf(w, "Frames:       %d out, %d in\n", st.FramesSentTotal, st.FramesReceivedTotal)
	fmt.Fprintf(w, "Bytes:        %d out, %d in\n", st.BytesSentTotal, st.BytesReceivedTotal)
	fmt.Fprintf(w, "Errors:       %d framing, %d protocol\n", st.FramingErrors, st.ProtocolErrors)
	fmt.Fprintf(w, "DNS:          %d queries, %d failed\n", st.DNSQueriesTotal, st.DNSFailures)
	if st.LastDialMs > 0 {
		fmt.Fprintf(w, "Last dial:    %dms\n", st.LastDialMs)
	}
}
