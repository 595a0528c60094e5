// Package probe runs scenarios: it drives the protocol engine over a real
// connection, step by step, and reports what each step did and saw.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"wireprobe/internal/capture"
	"wireprobe/internal/config"
	"wireprobe/internal/dnsprobe"
	"wireprobe/internal/h2"
	"wireprobe/internal/hcodec"
	"wireprobe/internal/metrics"
	"wireprobe/internal/transport"
)

// DialFunc produces the connection a scenario's network steps use.
type DialFunc func(ctx context.Context) (net.Conn, error)

// StepResult is the outcome of one scenario step.
type StepResult struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario   string       `json:"scenario"`
	Target     string       `json:"target,omitempty"`
	Started    time.Time    `json:"started"`
	DurationMs int64        `json:"duration_ms"`
	Steps      []StepResult `json:"steps"`
	Events     []string     `json:"events,omitempty"`
	Failed     bool         `json:"failed"`
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func levelRank(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Runner executes one scenario at a time. It owns the connection, pumps
// the engine's outbound bytes after every operation, and feeds every
// inbound chunk back through the engine. Not safe for concurrent use.
type Runner struct {
	cfg    *config.Config
	logger *log.Logger
	rank   int

	dial DialFunc
	cap  *capture.Writer

	engine  *h2.Conn
	conn    net.Conn
	ln      net.Listener
	connErr error

	pending []h2.Event
	events  []string

	sendFrames frameCounter
	recvFrames frameCounter

	prober *dnsprobe.Prober
}

// Option adjusts a Runner.
type Option func(*Runner)

// WithLogger routes runner output to l instead of the default logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithCapture records the wire transcript through w. A nil writer keeps
// capture off.
func WithCapture(w *capture.Writer) Option {
	return func(r *Runner) { r.cap = w }
}

// WithDialer overrides how the runner obtains its connection.
func WithDialer(d DialFunc) Option {
	return func(r *Runner) { r.dial = d }
}

// New builds a Runner for cfg.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		logger: log.Default(),
		rank:   levelRank(cfg.Logging.Level),
	}
	for _, o := range opts {
		o(r)
	}
	if r.dial == nil {
		r.dial = r.defaultDial
	}
	return r
}

// Run executes the configured scenario. Step failures land in the report;
// the returned error is reserved for harness faults.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{
		Scenario: r.cfg.Scenario.Name,
		Target:   r.cfg.Target.Addr,
		Started:  start,
	}

	var engineLogger *log.Logger
	if r.rank <= levelDebug {
		engineLogger = r.logger
	}
	r.engine = h2.NewConn(h2.Config{
		ClientSide:       r.cfg.ClientSide(),
		Policy:           r.cfg.Engine.Policy,
		HeaderCodec:      hcodec.New(),
		Logger:           engineLogger,
		MaxClosedStreams: r.cfg.Engine.MaxClosedStreams,
	})

	r.infof("scenario %q: %d steps against %s", rep.Scenario, len(r.cfg.Scenario.Steps), rep.Target)
	for i := range r.cfg.Scenario.Steps {
		st := &r.cfg.Scenario.Steps[i]
		res := r.step(ctx, i, st)
		metrics.IncStep(!res.Pass)
		if res.Pass {
			r.debugf("step %d %s ok %s", i, res.Op, res.Detail)
		} else {
			rep.Failed = true
			r.infof("step %d %s failed: %s", i, res.Op, res.Error)
		}
		rep.Steps = append(rep.Steps, res)
		if ctx.Err() != nil {
			break
		}
	}

	r.close()
	rep.Events = r.events
	rep.DurationMs = time.Since(start).Milliseconds()
	metrics.IncScenario(rep.Failed)
	r.infof("scenario %q done in %dms, failed=%v", rep.Scenario, rep.DurationMs, rep.Failed)
	return rep, nil
}

func (r *Runner) step(ctx context.Context, i int, st *config.Step) StepResult {
	res := StepResult{Index: i, Op: st.Op, Pass: true}

	detail, err := r.execute(ctx, st)
	res.Detail = detail
	if err != nil {
		res.Pass = false
		res.Error = err.Error()
	}
	return res
}

func (r *Runner) execute(ctx context.Context, st *config.Step) (string, error) {
	switch st.Op {
	case "initiate":
		return r.stepInitiate(ctx)
	case "send_settings":
		return r.stepSendSettings(ctx, st)
	case "ack_settings":
		return r.stepAckSettings(ctx)
	case "send_headers":
		return r.stepSendHeaders(ctx, st)
	case "send_data":
		return r.stepSendData(ctx, st)
	case "send_rst_stream":
		return r.stepSendRSTStream(ctx, st)
	case "send_ping":
		return r.stepSendPing(ctx, st)
	case "send_window_update":
		return r.stepSendWindowUpdate(ctx, st)
	case "send_priority":
		return r.stepSendPriority(ctx, st)
	case "send_goaway":
		return r.stepSendGoAway(ctx, st)
	case "recv":
		return r.stepRecv(ctx, st)
	case "expect_event":
		return r.stepExpectEvent(ctx, st)
	case "expect_no_error":
		return r.stepExpectNoError()
	case "expect_stream":
		return r.stepExpectStream(st)
	case "sleep":
		return r.stepSleep(ctx, st)
	case "dns_query":
		return r.stepDNSQuery(ctx, st)
	case "tcp_echo", "udp_echo":
		return r.stepEcho(ctx, st)
	default:
		return "", fmt.Errorf("unknown op %q", st.Op)
	}
}

// ensureConn dials (or accepts, for the server role) on the first network
// step that needs a peer.
func (r *Runner) ensureConn(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	if r.connErr != nil {
		return fmt.Errorf("connection unavailable: %w", r.connErr)
	}
	start := time.Now()
	conn, err := r.dial(ctx)
	if err != nil {
		r.connErr = err
		return err
	}
	metrics.SetDialTime(time.Since(start))
	r.conn = conn
	if proto := transport.NegotiatedProtocol(conn); proto != "" {
		r.debugf("negotiated protocol %q", proto)
	}
	return nil
}

func (r *Runner) defaultDial(ctx context.Context) (net.Conn, error) {
	if !r.cfg.ClientSide() {
		return r.acceptOne()
	}
	return transport.Dial(ctx, transport.Options{
		Addr:               r.cfg.Target.Addr,
		Kind:               r.cfg.Target.Transport,
		ServerName:         r.cfg.Target.ServerName,
		Fingerprint:        r.cfg.Target.Fingerprint,
		InsecureSkipVerify: r.cfg.Target.InsecureSkipVerify,
		CAFile:             r.cfg.Target.CAFile,
		ALPN:               r.cfg.Target.ALPN,
		DialTimeout:        r.cfg.DialTimeout(),
	})
}

// acceptOne serves the server role: listen on the target address and take
// the first connection that shows up.
func (r *Runner) acceptOne() (net.Conn, error) {
	ln, err := transport.Listen(r.cfg.Target.Addr)
	if err != nil {
		return nil, err
	}
	r.ln = ln
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(r.cfg.DialTimeout()))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept on %s: %w", r.cfg.Target.Addr, err)
	}
	return conn, nil
}

// pump writes everything the engine queued since the last pump.
func (r *Runner) pump() error {
	out := r.engine.DataToSend()
	if len(out) == 0 {
		return nil
	}
	if r.conn == nil {
		return fmt.Errorf("no connection to write %d queued bytes", len(out))
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.ReadTimeout()))
	if _, err := r.conn.Write(out); err != nil {
		r.connErr = err
		return fmt.Errorf("write: %w", err)
	}
	_ = r.cap.RecordStream(capture.DirSend, out)
	metrics.AddBytesSent(int64(len(out)))
	for _, h := range r.sendFrames.feed(out) {
		metrics.IncFrameSent(h.Type.String())
	}
	return nil
}

// feed pushes one inbound chunk through capture, metrics, and the engine.
func (r *Runner) feed(data []byte) error {
	_ = r.cap.RecordStream(capture.DirRecv, data)
	metrics.AddBytesReceived(int64(len(data)))
	for _, h := range r.recvFrames.feed(data) {
		metrics.IncFrameReceived(h.Type.String())
	}
	evs, err := r.engine.ReceiveData(data)
	r.ingest(evs)
	if err != nil {
		countEngineError(err)
		return err
	}
	// Dispatch may have queued automatic replies (settings acks, pings).
	return r.pump()
}

func (r *Runner) ingest(evs []h2.Event) {
	for _, ev := range evs {
		r.pending = append(r.pending, ev)
		r.events = append(r.events, ev.String())
		metrics.IncEvent(eventName(ev))
		r.debugf("event %s", ev)
	}
}

// readInto reads from the connection until deadline, feeding the engine as
// chunks arrive. stop, when non-nil, short-circuits the loop once it
// reports true. Returns the number of bytes read.
func (r *Runner) readInto(ctx context.Context, deadline time.Time, stop func() bool) (int, error) {
	if r.conn == nil {
		return 0, fmt.Errorf("no connection")
	}
	buf := make([]byte, 32<<10)
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if stop != nil && stop() {
			return total, nil
		}
		if !time.Now().Before(deadline) {
			return total, nil
		}
		_ = r.conn.SetReadDeadline(deadline)
		n, err := r.conn.Read(buf)
		if n > 0 {
			total += n
			if ferr := r.feed(buf[:n]); ferr != nil {
				return total, ferr
			}
		}
		if err != nil {
			if isTimeout(err) {
				return total, nil
			}
			if errors.Is(err, io.EOF) {
				r.connErr = io.EOF
				r.debugf("peer closed the connection")
				return total, nil
			}
			r.connErr = err
			return total, fmt.Errorf("read: %w", err)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func countEngineError(err error) {
	switch {
	case errors.Is(err, h2.ErrFraming):
		metrics.IncFramingError()
	case errors.Is(err, h2.ErrProtocol):
		metrics.IncProtocolError()
	}
}

func (r *Runner) close() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	if r.ln != nil {
		_ = r.ln.Close()
		r.ln = nil
	}
}

func (r *Runner) debugf(format string, args ...any) {
	if r.rank <= levelDebug {
		r.logger.Printf("probe: "+format, args...)
	}
}

func (r *Runner) infof(format string, args ...any) {
	if r.rank <= levelInfo {
		r.logger.Printf("probe: "+format, args...)
	}
}
