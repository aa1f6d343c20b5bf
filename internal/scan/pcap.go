package scan

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// PCAPScanner replays a capture of gateway UDP traffic as if it were live.
// It uses the pure Go pcap reader, so no libpcap is needed.
type PCAPScanner struct {
	path  string
	port  int
	speed float64
	clock timeutil.Clock

	mu      sync.Mutex
	running bool
	handle  Handle
	next    Handle
	cancel  context.CancelFunc
	done    chan struct{}
}

// PCAPScannerConfig configures a replay.
type PCAPScannerConfig struct {
	Path string
	// UDPPort restricts replay to datagrams to this destination port; 0
	// replays every UDP datagram.
	UDPPort int
	// Speed scales the capture's inter-packet gaps: 1 replays in real time,
	// 0 replays as fast as possible.
	Speed float64
	Clock timeutil.Clock
}

// NewPCAPScanner creates a replaying scanner.
func NewPCAPScanner(cfg PCAPScannerConfig) *PCAPScanner {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PCAPScanner{path: cfg.Path, port: cfg.UDPPort, speed: cfg.Speed, clock: cfg.Clock}
}

// StartScan opens the capture and starts the replay.
func (p *PCAPScanner) StartScan(ctx context.Context, filters []Filter, cb Callback) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return 0, &Error{Code: AlreadyStarted}
	}
	f, err := os.Open(p.path)
	if err != nil {
		return 0, &Error{Code: InternalError, Err: fmt.Errorf("failed to open PCAP file %s: %w", p.path, err)}
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return 0, &Error{Code: FeatureUnsupported, Err: fmt.Errorf("failed to read PCAP header %s: %w", p.path, err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.next++
	p.running = true
	p.handle = p.next
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(h Handle, done chan struct{}) {
		defer close(done)
		defer f.Close()
		p.replay(runCtx, r, filters, cb)
		p.mu.Lock()
		if p.handle == h {
			p.running = false
		}
		p.mu.Unlock()
	}(p.handle, p.done)

	return p.handle, nil
}

// StopScan cancels the replay.
func (p *PCAPScanner) StopScan(h Handle) error {
	p.mu.Lock()
	if !p.running || h != p.handle {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Done returns a channel closed when the current replay finishes.
func (p *PCAPScanner) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

func (p *PCAPScanner) replay(ctx context.Context, r *pcapgo.Reader, filters []Filter, cb Callback) {
	source := gopacket.NewPacketSource(r, r.LinkType())
	packetCount := 0
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
			return
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("PCAP replay complete: %d packets from %s", packetCount, p.path)
				return
			}
			packetCount++

			ts := packet.Metadata().Timestamp
			if p.speed > 0 && !last.IsZero() && ts.After(last) {
				wait := time.Duration(float64(ts.Sub(last)) / p.speed)
				if !p.sleep(ctx, wait) {
					return
				}
			}
			last = ts

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if p.port != 0 && int(udp.DstPort) != p.port {
				continue
			}
			handleDatagram(string(udp.Payload), p.clock.Now(), filters, cb)
		}
	}
}

func (p *PCAPScanner) sleep(ctx context.Context, d time.Duration) bool {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
