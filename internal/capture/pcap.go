package capture

import (
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// Synthetic endpoints for the generated capture. The probe is always
// 10.99.0.1:48070, the target 10.99.0.2:443, regardless of the real
// addresses; what matters is that Wireshark reassembles one TCP stream.
var (
	probeMAC  = net.HardwareAddr{0x02, 0x77, 0x70, 0x00, 0x00, 0x01}
	targetMAC = net.HardwareAddr{0x02, 0x77, 0x70, 0x00, 0x00, 0x02}
	probeIP   = net.IP{10, 99, 0, 1}
	targetIP  = net.IP{10, 99, 0, 2}
)

const (
	probePort  = 48070
	targetPort = 443
)

// pcapWriter wraps each frame in synthetic Ethernet/IPv4/TCP so the
// transcript opens as a normal packet capture.
type pcapWriter struct {
	file    *os.File
	w       *pcapgo.Writer
	snapLen int

	sendSeq uint32
	recvSeq uint32
}

func newPCAPWriter(path string, snapLen int) (*pcapWriter, error) {
	if snapLen <= 0 {
		snapLen = 65536
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &pcapWriter{file: f, w: w, snapLen: snapLen, sendSeq: 1, recvSeq: 1}, nil
}

func (p *pcapWriter) writeSegment(dir Direction, ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       probeMAC,
		DstMAC:       targetMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    probeIP,
		DstIP:    targetIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(probePort),
		DstPort: layers.TCPPort(targetPort),
		Seq:     p.sendSeq,
		Ack:     p.recvSeq,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	if dir == DirRecv {
		eth.SrcMAC, eth.DstMAC = targetMAC, probeMAC
		ip.SrcIP, ip.DstIP = targetIP, probeIP
		tcp.SrcPort, tcp.DstPort = layers.TCPPort(targetPort), layers.TCPPort(probePort)
		tcp.Seq, tcp.Ack = p.recvSeq, p.sendSeq
		p.recvSeq += uint32(len(payload))
	} else {
		p.sendSeq += uint32(len(payload))
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return err
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if ci.CaptureLength > p.snapLen {
		ci.CaptureLength = p.snapLen
		data = data[:p.snapLen]
	}
	return p.w.WritePacket(ci, data)
}

func (p *pcapWriter) close() error {
	return p.file.Close()
}
