package integration

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wireprobe/internal/capture"
	"wireprobe/internal/config"
	"wireprobe/internal/h2"
	"wireprobe/internal/hcodec"
	"wireprobe/internal/metrics"
	"wireprobe/internal/probe"
)

// TestScenarioAgainstTLSPeer drives a full run: config parsed from YAML,
// TLS dial with ALPN, the engine handshake, a request/response exchange,
// and capture artifacts on disk.
func TestScenarioAgainstTLSPeer(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", integrationTLSConfig(t))
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- serveScriptedPeer(conn)
	}()

	tmp := t.TempDir()
	jsonlPath := filepath.Join(tmp, "frames.jsonl")
	pcapPath := filepath.Join(tmp, "frames.pcap")

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
target:
  addr: %s
  transport: tls
  insecure_skip_verify: true
  alpn: [h2]
capture:
  file: %s
  pcap: %s
scenario:
  name: e2e
  steps:
    - op: initiate
    - op: send_headers
      stream: 1
      end_stream: true
      headers:
        - name: ":method"
          value: "GET"
        - name: ":path"
          value: "/healthz"
    - op: expect_event
      event: settings_received
    - op: expect_event
      event: headers_received
      stream: 1
    - op: expect_stream
      stream: 1
      name: "half-closed (local)"
    - op: expect_no_error
`, ln.Addr().String(), jsonlPath, pcapPath)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	capw, err := capture.NewWriter(capture.Options{
		File:    cfg.Capture.File,
		PCAP:    cfg.Capture.PCAP,
		SnapLen: cfg.Capture.SnapLen,
	})
	if err != nil {
		t.Fatalf("capture writer: %v", err)
	}

	before := metrics.SnapshotData()

	quiet := log.New(io.Discard, "", 0)
	rep, err := probe.New(cfg, probe.WithCapture(capw), probe.WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := capw.Close(); err != nil {
		t.Fatalf("close capture: %v", err)
	}
	if rep.Failed {
		for _, s := range rep.Steps {
			if !s.Pass {
				t.Errorf("step %d %s: %s", s.Index, s.Op, s.Error)
			}
		}
		t.Fatalf("scenario failed; events: %v", rep.Events)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("peer error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer timed out")
	}

	after := metrics.SnapshotData()
	if after.ScenariosTotal <= before.ScenariosTotal {
		t.Error("scenario counter did not advance")
	}
	if after.FramesSentTotal <= before.FramesSentTotal {
		t.Error("sent frame counter did not advance")
	}

	checkTranscript(t, jsonlPath)

	if st, err := os.Stat(pcapPath); err != nil || st.Size() == 0 {
		t.Fatalf("pcap not written: %v", err)
	}
}

// checkTranscript verifies the JSONL capture holds the preface and frames
// for both directions.
func checkTranscript(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()

	type record struct {
		Dir  string `json:"dir"`
		Kind string `json:"kind"`
		Raw  string `json:"raw"`
	}
	kinds := map[string]int{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad transcript line: %v", err)
		}
		if _, err := hex.DecodeString(rec.Raw); err != nil {
			t.Fatalf("raw field is not hex: %v", err)
		}
		kinds[rec.Dir+"/"+rec.Kind]++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan transcript: %v", err)
	}

	for _, want := range []string{"send/preface", "send/SETTINGS", "send/HEADERS", "recv/SETTINGS", "recv/HEADERS"} {
		if kinds[want] == 0 {
			t.Errorf("transcript is missing %s (got %v)", want, kinds)
		}
	}
}

// serveScriptedPeer speaks just enough of the protocol to answer one
// request stream.
func serveScriptedPeer(conn net.Conn) error {
	defer conn.Close()
	engine := h2.NewConn(h2.Config{
		ClientSide:  false,
		Policy:      h2.DefaultPolicy(),
		HeaderCodec: hcodec.New(),
	})
	if err := engine.InitiateConnection(); err != nil {
		return err
	}
	if _, err := conn.Write(engine.DataToSend()); err != nil {
		return err
	}

	answered := false
	buf := make([]byte, 32<<10)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			evs, derr := engine.ReceiveData(buf[:n])
			for _, ev := range evs {
				if h, ok := ev.(h2.HeadersReceived); ok {
					if serr := engine.SendHeaders(h.StreamID, []h2.HeaderField{
						{Name: ":status", Value: "204"},
					}, true); serr != nil {
						return serr
					}
					answered = true
				}
			}
			if out := engine.DataToSend(); len(out) > 0 {
				if _, werr := conn.Write(out); werr != nil {
					return werr
				}
			}
			if derr != nil {
				return derr
			}
		}
		if err != nil {
			if answered {
				return nil
			}
			return err
		}
	}
}

// TestSuppressedSettingsAckOnTheWire checks the ack suppression knob from
// the peer's point of view: the peer must never see a SETTINGS ack, and
// the run still ends cleanly on its GOAWAY.
func TestSuppressedSettingsAckOnTheWire(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	fromClient := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			fromClient <- nil
			return
		}
		defer conn.Close()

		var goaway []byte
		goaway = h2.AppendFrame(goaway, &h2.SettingsFrame{
			Settings: []h2.Setting{{ID: h2.SettingMaxConcurrentStreams, Value: 100}},
		})
		goaway = h2.AppendFrame(goaway, &h2.GoAwayFrame{
			Code:      h2.ErrCodeEnhanceYourCalm,
			DebugData: []byte("come back later"),
		})
		if _, err := conn.Write(goaway); err != nil {
			fromClient <- nil
			return
		}

		var got []byte
		buf := make([]byte, 32<<10)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, rerr := conn.Read(buf)
			got = append(got, buf[:n]...)
			if rerr != nil {
				break
			}
		}
		fromClient <- got
	}()

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
target:
  addr: %s
engine:
  policy:
    skip_initial_settings_ack: true
scenario:
  name: no-ack
  steps:
    - op: initiate
    - op: expect_event
      event: settings_received
    - op: expect_event
      event: goaway_received
    - op: expect_no_error
`, ln.Addr().String())))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	rep, err := probe.New(cfg, probe.WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Failed {
		t.Fatalf("scenario failed: %+v", rep.Steps)
	}

	wire := <-fromClient
	if wire == nil {
		t.Fatal("peer saw no bytes")
	}
	for _, h := range splitFrames(t, wire) {
		if h.Type == h2.FrameSettings && h.Flags&0x1 != 0 {
			t.Fatal("peer received a SETTINGS ack despite suppression")
		}
	}
}

// splitFrames walks the client's raw bytes, skipping the preface.
func splitFrames(t *testing.T, wire []byte) []h2.FrameHeader {
	t.Helper()
	if len(wire) >= len(h2.ClientPreface) && string(wire[:len(h2.ClientPreface)]) == h2.ClientPreface {
		wire = wire[len(h2.ClientPreface):]
	}
	var headers []h2.FrameHeader
	for len(wire) >= 9 {
		var hb [9]byte
		copy(hb[:], wire)
		h := h2.ParseFrameHeader(hb)
		total := 9 + int(h.Length)
		if len(wire) < total {
			break
		}
		headers = append(headers, h)
		wire = wire[total:]
	}
	return headers
}

func integrationTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "127.0.0.1",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("load key pair: %v", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h2"}}
}
