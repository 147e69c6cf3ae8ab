package network

import (
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

// testFrame is one record to write into a synthesised capture file.
type testFrame struct {
	data []byte
	ts   time.Time
}

var (
	testSrcMAC = net.HardwareAddr{0x60, 0x76, 0x88, 0x00, 0x00, 0x01}
	testDstMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	testBase   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

// payloadOf returns a deterministic payload of n bytes.
func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

// udpFrame builds an Ethernet/IPv4/UDP frame whose total length is frameLen.
func udpFrame(t *testing.T, frameLen int, srcPort, dstPort uint16) []byte {
	t.Helper()
	require.GreaterOrEqual(t, frameLen, FramingBytes)
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 201),
		DstIP:    net.IPv4(255, 255, 255, 255),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, eth, ip, udp, gopacket.Payload(payloadOf(frameLen-FramingBytes)))
	require.Len(t, frame, frameLen)
	return frame
}

// fragmentFrame builds an IPv4 UDP frame with a non-zero fragment offset.
func fragmentFrame(t *testing.T, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:    4,
		TTL:        64,
		Protocol:   layers.IPProtocolUDP,
		FragOffset: 185,
		SrcIP:      net.IPv4(192, 168, 1, 201),
		DstIP:      net.IPv4(192, 168, 1, 10),
	}
	udp := &layers.UDP{SrcPort: 10110, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payloadOf(16)))
}

func udp6Frame(t *testing.T, payloadLen int, srcPort, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("fe80::2"),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payloadOf(payloadLen)))
}

func tcpFrame(t *testing.T, payloadLen int) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(192, 168, 1, 201),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 80, Seq: 1, Window: 1024, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(payloadOf(payloadLen)))
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   testSrcMAC,
		SourceProtAddress: []byte{192, 168, 1, 201},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 10},
	}
	return serialize(t, eth, arp)
}

// at returns the capture timestamp seconds after testBase, rounded to the
// microsecond resolution of classic pcap files.
func at(seconds float64) time.Time {
	return testBase.Add(time.Duration(math.Round(seconds*1e6)) * time.Microsecond)
}

// writePcap writes frames to a microsecond pcap file and returns its path.
func writePcap(t *testing.T, link layers.LinkType, frames []testFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, link))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: fr.ts, CaptureLength: len(fr.data), Length: len(fr.data)}
		require.NoError(t, w.WritePacket(ci, fr.data))
	}
	return path
}

// writePcapNanos writes frames to a nanosecond-resolution pcap file.
func writePcapNanos(t *testing.T, frames []testFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture-ns.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriterNanos(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: fr.ts, CaptureLength: len(fr.data), Length: len(fr.data)}
		require.NoError(t, w.WritePacket(ci, fr.data))
	}
	return path
}

// writePcapNG writes frames to a pcapng file.
func writePcapNG(t *testing.T, frames []testFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: fr.ts, CaptureLength: len(fr.data), Length: len(fr.data)}
		require.NoError(t, w.WritePacket(ci, fr.data))
	}
	require.NoError(t, w.Flush())
	return path
}

// threeRecordCapture is the reference capture: UDP frames of 100, 150 and
// 200 bytes at 0.0s, 0.5s and 1.2s.
func threeRecordCapture(t *testing.T) string {
	t.Helper()
	return writePcap(t, layers.LinkTypeEthernet, []testFrame{
		{data: udpFrame(t, 100, 2368, 2368), ts: at(0)},
		{data: udpFrame(t, 150, 2368, 2368), ts: at(0.5)},
		{data: udpFrame(t, 200, 2368, 2368), ts: at(1.2)},
	})
}
