// Package transport dials probe targets over plain TCP, crypto/tls, or
// uTLS with a mimicked browser Client Hello. The engine upstairs only
// sees a net.Conn; everything handshake-shaped ends here.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Options selects how the target connection is established.
type Options struct {
	Addr               string
	Kind               string // tcp | tls | utls
	ServerName         string
	Fingerprint        string // chrome | firefox | safari | random
	InsecureSkipVerify bool
	CAFile             string
	ALPN               []string
	DialTimeout        time.Duration
}

// Dial establishes the target connection per opts. For tls and utls the
// returned conn has completed its handshake.
func Dial(ctx context.Context, opts Options) (net.Conn, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}

	switch opts.Kind {
	case "", "tcp":
		return conn, nil
	case "tls":
		cfg, err := clientConfig(opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		tconn := tls.Client(conn, cfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", opts.Addr, err)
		}
		return tconn, nil
	case "utls":
		cfg, err := clientConfig(opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return wrapUTLS(ctx, conn, cfg, opts.Fingerprint)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unknown transport %q", opts.Kind)
	}
}

// wrapUTLS performs a uTLS handshake over an existing connection.
func wrapUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
	}
	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	return uconn, nil
}

func clientConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		NextProtos:         opts.ALPN,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
			cfg.ServerName = host
		}
	}
	if opts.CAFile != "" {
		pool, err := loadCertPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("failed to parse ca file: %s", path)
	}
	return pool, nil
}

func helloID(name string) utls.ClientHelloID {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "random":
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}

// Listen opens the plain TCP listener used when the engine plays the
// server role. Run files carry no certificate material, so the server
// side never terminates TLS itself.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// NegotiatedProtocol reports the ALPN result of a handshaken conn, or ""
// for plain TCP.
func NegotiatedProtocol(conn net.Conn) string {
	switch c := conn.(type) {
	case *tls.Conn:
		return c.ConnectionState().NegotiatedProtocol
	case *utls.UConn:
		return c.ConnectionState().NegotiatedProtocol
	default:
		return ""
	}
}
