// Package echo stands up loopback echo endpoints and the client side
// that drives them. Scenarios use these for reachability checks next to
// the protocol steps.
package echo

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TCPServer echoes every byte of every accepted connection.
type TCPServer struct {
	ln net.Listener
	wg sync.WaitGroup
}

// StartTCP listens on addr and serves until Close.
func StartTCP(addr string) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("echo listen %s: %w", addr, err)
	}
	s := &TCPServer{ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}

func (s *TCPServer) Addr() string { return s.ln.Addr().String() }

func (s *TCPServer) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// UDPServer echoes every datagram back to its sender.
type UDPServer struct {
	pc   net.PacketConn
	done chan struct{}
}

// StartUDP listens on addr and serves until Close.
func StartUDP(addr string) (*UDPServer, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("echo listen %s: %w", addr, err)
	}
	s := &UDPServer{pc: pc, done: make(chan struct{})}
	go s.serve()
	return s, nil
}

func (s *UDPServer) serve() {
	defer close(s.done)
	buf := make([]byte, 64<<10)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if n > 0 {
			_, _ = s.pc.WriteTo(buf[:n], from)
		}
	}
}

func (s *UDPServer) Addr() string { return s.pc.LocalAddr().String() }

func (s *UDPServer) Close() error {
	err := s.pc.Close()
	<-s.done
	return err
}

// RoundTripTCP sends payload to a TCP echo endpoint and reads the same
// number of bytes back.
func RoundTripTCP(ctx context.Context, addr string, payload []byte, timeout time.Duration) ([]byte, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial echo %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write echo payload: %w", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		return nil, fmt.Errorf("read echo reply: %w", err)
	}
	return got, nil
}

// RoundTripUDP sends payload as one datagram and reads one reply.
func RoundTripUDP(ctx context.Context, addr string, payload []byte, timeout time.Duration) ([]byte, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial echo %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write echo payload: %w", err)
	}
	got := make([]byte, 64<<10)
	n, err := conn.Read(got)
	if err != nil {
		return nil, fmt.Errorf("read echo reply: %w", err)
	}
	return got[:n], nil
}
