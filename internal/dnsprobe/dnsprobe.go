// Package dnsprobe sends DNS queries with deliberately hostile knobs:
// randomized label prefixes and a QDCOUNT that disagrees with the
// question section. Useful for watching how middleboxes and resolvers
// cope with queries that are shaped wrong.
package dnsprobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Options configures the prober.
type Options struct {
	Server          string // host:port of the resolver
	Protocol        string // udp | tcp
	Timeout         time.Duration
	RandomizePrefix bool // prepend a random label to every query name
	QDCountMismatch bool // patch QDCOUNT after packing so it disagrees with the body
}

// Result is one completed exchange.
type Result struct {
	Name      string // the name actually queried, after any prefixing
	Qtype     uint16
	Rcode     int
	Answers   []string
	RTT       time.Duration
	Truncated bool
}

// Prober issues queries against a fixed resolver.
type Prober struct {
	opts   Options
	client *dns.Client
}

func New(opts Options) *Prober {
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Prober{
		opts: opts,
		client: &dns.Client{
			Net:     clientNet(opts.Protocol),
			Timeout: opts.Timeout,
		},
	}
}

func clientNet(protocol string) string {
	if protocol == "tcp" {
		return "tcp"
	}
	return "udp"
}

// Query resolves name with the given record type, applying the
// configured knobs. The returned Result carries the final queried name
// so callers can correlate randomized prefixes with server logs.
func (p *Prober) Query(ctx context.Context, name string, qtype uint16) (*Result, error) {
	if p.opts.Server == "" {
		return nil, fmt.Errorf("dns server not configured")
	}

	queried := name
	if p.opts.RandomizePrefix {
		queried = randomLabel(8) + "." + strings.TrimPrefix(name, ".")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(queried), qtype)
	m.RecursionDesired = true

	var (
		r   *dns.Msg
		rtt time.Duration
		err error
	)
	if p.opts.QDCountMismatch {
		r, rtt, err = p.exchangePatched(ctx, m)
	} else {
		r, rtt, err = p.client.ExchangeContext(ctx, m, p.opts.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("dns exchange with %s: %w", p.opts.Server, err)
	}

	res := &Result{
		Name:      dns.Fqdn(queried),
		Qtype:     qtype,
		Rcode:     r.Rcode,
		RTT:       rtt,
		Truncated: r.Truncated,
	}
	for _, rr := range r.Answer {
		res.Answers = append(res.Answers, rr.String())
	}
	return res, nil
}

// exchangePatched packs the query, then lies in the header: QDCOUNT is
// bumped by one while the body still holds a single question. Sent over
// a raw dns.Conn since the client would repack the message.
func (p *Prober) exchangePatched(ctx context.Context, m *dns.Msg) (*dns.Msg, time.Duration, error) {
	packed, err := m.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("pack query: %w", err)
	}
	qd := binary.BigEndian.Uint16(packed[4:6])
	binary.BigEndian.PutUint16(packed[4:6], qd+1)

	co, err := dns.DialTimeout(clientNet(p.opts.Protocol), p.opts.Server, p.opts.Timeout)
	if err != nil {
		return nil, 0, err
	}
	defer co.Close()

	deadline := time.Now().Add(p.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = co.SetDeadline(deadline)

	start := time.Now()
	if _, err := co.Write(packed); err != nil {
		return nil, 0, fmt.Errorf("send patched query: %w", err)
	}
	r, err := co.ReadMsg()
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return r, time.Since(start), nil
}

const labelRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomLabel(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = labelRunes[rand.Intn(len(labelRunes))]
	}
	return string(b)
}
