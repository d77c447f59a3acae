package iplink

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
)

// PlaybackConfig controls offline replay of a captured BACnet/IP
// conversation: file, time scaling, and looping, aimed at a recorded
// UDP/Annex J exchange instead of raw Ethernet frames.
type PlaybackConfig struct {
	FileName  string
	ScaleTime float64
	LoopTime  time.Duration
}

// RecordedPacket is one UDP datagram extracted from a pcap file, with
// its source endpoint and capture timestamp.
type RecordedPacket struct {
	Data      []byte
	Source    bvlc.Address
	Timestamp time.Time
}

// PlaybackEngine replays a pcap-captured BACnet/IP conversation into a
// live handler, for router integration tests and offline replay of a
// field capture without real hardware.
type PlaybackEngine struct {
	config   PlaybackConfig
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewPlaybackEngine creates a playback engine for the given config.
func NewPlaybackEngine(cfg PlaybackConfig) *PlaybackEngine {
	return &PlaybackEngine{config: cfg, stopChan: make(chan struct{})}
}

// Start begins replaying packets to handler, one goroutine per Start
// call, looping at LoopTime if set.
func (p *PlaybackEngine) Start(handler InboundHandler) error {
	if p.config.FileName == "" {
		return fmt.Errorf("no playback file configured")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("playback already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(handler)
	return nil
}

// Stop halts playback and waits for the loop goroutine to exit.
func (p *PlaybackEngine) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *PlaybackEngine) loop(handler InboundHandler) {
	defer p.wg.Done()

	if p.config.LoopTime > 0 {
		ticker := time.NewTicker(p.config.LoopTime)
		defer ticker.Stop()

		p.playOnce(handler)
		for {
			select {
			case <-ticker.C:
				p.playOnce(handler)
			case <-p.stopChan:
				return
			}
		}
	}
	p.playOnce(handler)
}

func (p *PlaybackEngine) playOnce(handler InboundHandler) {
	packets, err := LoadPCAP(p.config.FileName)
	if err != nil || len(packets) == 0 {
		return
	}

	start := time.Now()
	first := packets[0].Timestamp
	for _, pkt := range packets {
		select {
		case <-p.stopChan:
			return
		default:
		}

		rel := pkt.Timestamp.Sub(first)
		if p.config.ScaleTime > 0 && p.config.ScaleTime != 1.0 {
			rel = time.Duration(float64(rel) * p.config.ScaleTime)
		}
		target := start.Add(rel)
		if d := time.Until(target); d > 0 {
			select {
			case <-time.After(d):
			case <-p.stopChan:
				return
			}
		}

		_ = handler(pkt.Data, pkt.Source)
	}
}

// LoadPCAP reads every UDP-over-IPv4 datagram out of an offline pcap
// file, using the same libpcap-backed read path as a live handle,
// applied to a file instead. Datagrams are not filtered by port.
func LoadPCAP(filename string) ([]RecordedPacket, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, fmt.Errorf("open pcap %s: %w", filename, err)
	}
	defer handle.Close()

	var out []RecordedPacket
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		ipLayer := packet.Layer(layers.LayerTypeIPv4)
		if udpLayer == nil || ipLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		ip := ipLayer.(*layers.IPv4)

		addr, err := bvlc.NewAddress(ip.SrcIP, uint16(udp.SrcPort))
		if err != nil {
			continue
		}
		out = append(out, RecordedPacket{
			Data:      append([]byte(nil), udp.Payload...),
			Source:    addr,
			Timestamp: packet.Metadata().Timestamp,
		})
	}
	return out, nil
}

// Recorder writes outbound and inbound BVLC datagrams to a pcap file as
// synthetic Ethernet/IPv4/UDP frames, for capturing a live router run.
// It uses pcapgo so writing a trace never needs a live libpcap handle.
type Recorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	close  func() error
	srcMAC net.HardwareAddr
	dstMAC net.HardwareAddr
}

// NewRecorder writes a pcap file header for Ethernet link-layer frames
// to w, calling closer (if non-nil) when the Recorder is closed.
func NewRecorder(w io.Writer, closer func() error) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	return &Recorder{w: pw, close: closer, srcMAC: mac, dstMAC: mac}, nil
}

// Write appends one UDP datagram from src to dst, wrapped as a
// synthetic Ethernet/IPv4/UDP frame, to the trace.
func (r *Recorder) Write(payload []byte, src, dst bvlc.Address, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eth := &layers.Ethernet{SrcMAC: r.srcMAC, DstMAC: r.dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src.IP(), DstIP: dst.IP()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize trace frame: %w", err)
	}

	ci := gopacket.CaptureInfo{Timestamp: now, CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	return r.w.WritePacket(ci, buf.Bytes())
}

// Close closes the underlying file.
func (r *Recorder) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
