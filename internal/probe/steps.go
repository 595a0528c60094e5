package probe

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"wireprobe/internal/config"
	"wireprobe/internal/dnsprobe"
	"wireprobe/internal/echo"
	"wireprobe/internal/h2"
	"wireprobe/internal/metrics"

	"github.com/miekg/dns"
)

const (
	defaultExpectWait = time.Second
	defaultEchoWait   = 2 * time.Second
)

func (r *Runner) stepInitiate(ctx context.Context) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	if err := r.engine.InitiateConnection(); err != nil {
		return "", err
	}
	return "", r.pump()
}

func (r *Runner) stepSendSettings(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	settings := make([]h2.Setting, 0, len(st.Settings))
	for _, p := range st.Settings {
		settings = append(settings, h2.Setting{ID: p.Resolve(), Value: p.Value})
	}
	if err := r.engine.SendSettings(settings); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d parameters", len(settings)), r.pump()
}

func (r *Runner) stepAckSettings(ctx context.Context) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	if err := r.engine.AckSettings(); err != nil {
		return "", err
	}
	return "", r.pump()
}

func (r *Runner) stepSendHeaders(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	fields := make([]h2.HeaderField, 0, len(st.Headers))
	for _, h := range st.Headers {
		fields = append(fields, h2.HeaderField{Name: h.Name, Value: h.Value})
	}
	if err := r.engine.SendHeaders(st.Stream, fields, st.EndStream); err != nil {
		return "", err
	}
	return fmt.Sprintf("stream %d, %d fields", st.Stream, len(fields)), r.pump()
}

func (r *Runner) stepSendData(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	body, err := st.Body()
	if err != nil {
		return "", err
	}
	if st.Padded {
		err = r.engine.SendDataPadded(st.Stream, body, st.EndStream, uint8(st.PadLen))
	} else {
		err = r.engine.SendData(st.Stream, body, st.EndStream)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("stream %d, %d bytes", st.Stream, len(body)), r.pump()
}

func (r *Runner) stepSendRSTStream(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	code := resolveCode(st.Code)
	if err := r.engine.SendRSTStream(st.Stream, code); err != nil {
		return "", err
	}
	return fmt.Sprintf("stream %d, %s", st.Stream, code), r.pump()
}

func (r *Runner) stepSendPing(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	payload, err := st.PingPayload()
	if err != nil {
		return "", err
	}
	if err := r.engine.SendPing(payload); err != nil {
		return "", err
	}
	return "", r.pump()
}

func (r *Runner) stepSendWindowUpdate(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	if err := r.engine.SendWindowUpdate(st.Stream, st.Increment); err != nil {
		return "", err
	}
	return fmt.Sprintf("stream %d, +%d", st.Stream, st.Increment), r.pump()
}

func (r *Runner) stepSendPriority(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	if err := r.engine.SendPriority(st.Stream, st.DependsOn, st.Exclusive, uint8(st.Weight)); err != nil {
		return "", err
	}
	return fmt.Sprintf("stream %d depends on %d", st.Stream, st.DependsOn), r.pump()
}

func (r *Runner) stepSendGoAway(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	code := resolveCode(st.Code)
	if err := r.engine.SendGoAway(code, []byte(st.Debug)); err != nil {
		return "", err
	}
	return code.String(), r.pump()
}

// stepRecv reads until the step timeout elapses or the peer goes quiet for
// good. Running out the clock with nothing to read is not a failure.
func (r *Runner) stepRecv(ctx context.Context, st *config.Step) (string, error) {
	if err := r.ensureConn(ctx); err != nil {
		return "", err
	}
	before := len(r.events)
	timeout := config.StepDuration(st.Timeout, r.cfg.ReadTimeout())
	n, err := r.readInto(ctx, time.Now().Add(timeout), nil)
	detail := fmt.Sprintf("%d bytes, %d events", n, len(r.events)-before)
	if err != nil {
		return detail, err
	}
	return detail, nil
}

// stepExpectEvent consumes a matching observed event, reading more input
// if nothing already observed matches.
func (r *Runner) stepExpectEvent(ctx context.Context, st *config.Step) (string, error) {
	if ev, ok := r.takeEvent(st); ok {
		return ev.String(), nil
	}
	if r.conn != nil {
		deadline := time.Now().Add(config.StepDuration(st.Timeout, defaultExpectWait))
		var matched h2.Event
		_, err := r.readInto(ctx, deadline, func() bool {
			ev, ok := r.takeEvent(st)
			if ok {
				matched = ev
			}
			return ok
		})
		if err != nil {
			return "", err
		}
		if matched != nil {
			return matched.String(), nil
		}
	}
	if st.Stream != 0 {
		return "", fmt.Errorf("no %s event on stream %d observed", st.Event, st.Stream)
	}
	return "", fmt.Errorf("no %s event observed", st.Event)
}

// takeEvent removes and returns the first pending event matching the step.
func (r *Runner) takeEvent(st *config.Step) (h2.Event, bool) {
	for i, ev := range r.pending {
		if eventName(ev) != st.Event {
			continue
		}
		if st.Stream != 0 && eventStream(ev) != st.Stream {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		return ev, true
	}
	return nil, false
}

func (r *Runner) stepExpectNoError() (string, error) {
	if err := r.engine.Err(); err != nil {
		return "", fmt.Errorf("engine poisoned: %w", err)
	}
	return "", nil
}

func (r *Runner) stepExpectStream(st *config.Step) (string, error) {
	got := r.engine.StreamState(st.Stream)
	if got != st.Name {
		return "", fmt.Errorf("stream %d is %s, want %s", st.Stream, got, st.Name)
	}
	return fmt.Sprintf("stream %d %s", st.Stream, got), nil
}

func (r *Runner) stepSleep(ctx context.Context, st *config.Step) (string, error) {
	d := config.StepDuration(st.Timeout, 0)
	if d <= 0 {
		return "", nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return d.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Runner) stepDNSQuery(ctx context.Context, st *config.Step) (string, error) {
	if r.prober == nil {
		r.prober = dnsprobe.New(dnsprobe.Options{
			Server:          r.cfg.DNS.Server,
			Protocol:        r.cfg.DNS.Protocol,
			Timeout:         r.cfg.DNSTimeout(),
			RandomizePrefix: r.cfg.DNS.RandomizePrefix,
			QDCountMismatch: r.cfg.DNS.QDCountMismatch,
		})
	}
	qtype, ok := config.DNSTypeByName(st.Qtype)
	if !ok {
		return "", fmt.Errorf("unknown qtype %q", st.Qtype)
	}
	res, err := r.prober.Query(ctx, st.Name, qtype)
	metrics.IncDNSQuery(err != nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s: %s, %d answers in %s",
		res.Name, st.Qtype, dns.RcodeToString[res.Rcode], len(res.Answers), res.RTT.Round(time.Millisecond)), nil
}

func (r *Runner) stepEcho(ctx context.Context, st *config.Step) (string, error) {
	payload := []byte(st.Payload)
	timeout := config.StepDuration(st.Timeout, defaultEchoWait)

	var got []byte
	var err error
	if st.Op == "tcp_echo" {
		got, err = echo.RoundTripTCP(ctx, st.Addr, payload, timeout)
	} else {
		got, err = echo.RoundTripUDP(ctx, st.Addr, payload, timeout)
	}
	if err != nil {
		return "", err
	}
	if !bytes.Equal(got, payload) {
		return "", fmt.Errorf("echo mismatch: sent %d bytes, got %d back", len(payload), len(got))
	}
	return fmt.Sprintf("%d bytes echoed by %s", len(got), st.Addr), nil
}

func resolveCode(name string) h2.ErrCode {
	if name == "" {
		return h2.ErrCodeNo
	}
	code, _ := config.ErrCodeByName(name)
	return code
}
