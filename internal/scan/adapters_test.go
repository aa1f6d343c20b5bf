package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const advLine = "ADV,004C,-60,0215E2C56DB5DFFB48D2B060D0F5A71096E000010002C5"

type recorder struct {
	advs  chan Advertisement
	fails chan ErrorCode
}

func newRecorder() *recorder {
	return &recorder{advs: make(chan Advertisement, 16), fails: make(chan ErrorCode, 4)}
}

func (r *recorder) OnAdvertisement(a Advertisement) { r.advs <- a }
func (r *recorder) OnFailure(c ErrorCode)           { r.fails <- c }

func (r *recorder) nextAdv(t *testing.T) Advertisement {
	t.Helper()
	select {
	case a := <-r.advs:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no advertisement delivered")
		return Advertisement{}
	}
}

// pipePort feeds reads from a pipe and records writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *pipePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestSerialScanner_Lifecycle(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	var openedPath string
	s := NewSerialScanner(SerialScannerConfig{
		Path: "/dev/ttyACM0",
		Open: func(path string, _ PortOptions) (SerialPorter, error) {
			openedPath = path
			return port, nil
		},
	})

	rec := newRecorder()
	h, err := s.StartScan(context.Background(), []Filter{{ManufacturerID: 0x004C}}, rec)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", openedPath)
	assert.Equal(t, "SCAN ON\n", port.commands())

	_, err = s.StartScan(context.Background(), nil, rec)
	assert.Equal(t, AlreadyStarted, CodeOf(err))

	go port.w.Write([]byte("OK\nADV,0059,-50,0215\n" + advLine + "\r\n"))
	adv := rec.nextAdv(t)
	assert.Equal(t, uint16(0x004C), adv.ManufacturerID, "filtered manufacturer skipped")
	assert.Equal(t, -60, adv.RSSI)
	assert.Len(t, adv.Payload, 23)

	require.NoError(t, s.StopScan(h))
	assert.Equal(t, "SCAN ON\nSCAN OFF\n", port.commands())
	assert.True(t, port.isClosed())
	assert.Empty(t, rec.fails)

	// Stale handle is a no-op.
	assert.NoError(t, s.StopScan(h))
}

func TestSerialScanner_OpenFailure(t *testing.T) {
	t.Parallel()

	s := NewSerialScanner(SerialScannerConfig{
		Path: "/dev/missing",
		Open: func(string, PortOptions) (SerialPorter, error) { return nil, os.ErrNotExist },
	})
	_, err := s.StartScan(context.Background(), nil, newRecorder())
	require.Error(t, err)
	assert.Equal(t, RegistrationFailed, CodeOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSerialScanner_DeviceErrorAndUnplug(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	s := NewSerialScanner(SerialScannerConfig{
		Open: func(string, PortOptions) (SerialPorter, error) { return port, nil },
	})
	rec := newRecorder()
	_, err := s.StartScan(context.Background(), nil, rec)
	require.NoError(t, err)

	go func() {
		port.w.Write([]byte("ERR,REGISTRATION_FAILED\n"))
		port.w.CloseWithError(errors.New("device unplugged"))
	}()

	assert.Equal(t, RegistrationFailed, <-rec.fails)
	select {
	case code := <-rec.fails:
		assert.Equal(t, InternalError, code)
	case <-time.After(2 * time.Second):
		t.Fatal("unplug not reported")
	}

	// The scanner released the port and can start again.
	port2 := newPipePort()
	s.open = func(string, PortOptions) (SerialPorter, error) { return port2, nil }
	h, err := s.StartScan(context.Background(), nil, rec)
	require.NoError(t, err)
	require.NoError(t, s.StopScan(h))
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
}

func TestUDPScanner(t *testing.T) {
	t.Parallel()

	u := NewUDPScanner(UDPScannerConfig{Address: "127.0.0.1:0"})
	assert.Nil(t, u.Addr())

	rec := newRecorder()
	h, err := u.StartScan(context.Background(), nil, rec)
	require.NoError(t, err)
	defer u.StopScan(h)

	_, err = u.StartScan(context.Background(), nil, rec)
	assert.Equal(t, AlreadyStarted, CodeOf(err))

	conn, err := net.Dial("udp", u.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(advLine + "\n" + advLine + "\nnoise\n"))
	require.NoError(t, err)

	assert.Equal(t, -60, rec.nextAdv(t).RSSI)
	assert.Equal(t, -60, rec.nextAdv(t).RSSI)

	require.NoError(t, u.StopScan(h))
	assert.Nil(t, u.Addr())
}

func TestUDPScanner_BindFailure(t *testing.T) {
	t.Parallel()

	first := NewUDPScanner(UDPScannerConfig{Address: "127.0.0.1:0"})
	h, err := first.StartScan(context.Background(), nil, newRecorder())
	require.NoError(t, err)
	defer first.StopScan(h)

	second := NewUDPScanner(UDPScannerConfig{Address: first.Addr().String()})
	_, err = second.StartScan(context.Background(), nil, newRecorder())
	assert.Equal(t, RegistrationFailed, CodeOf(err))
}

func writeCapture(t *testing.T, payloads ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateway.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(10, 0, 0, 1),
		}
		dst := layers.UDPPort(5514)
		if i%2 == 1 {
			dst = 9999
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: dst}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPCAPScanner_Replay(t *testing.T) {
	t.Parallel()

	path := writeCapture(t,
		"ADV,004C,-61,0215",
		"ADV,004C,-99,0215", // other port
		"ADV,004C,-62,0215\nADV,004C,-63,0215",
	)
	p := NewPCAPScanner(PCAPScannerConfig{Path: path, UDPPort: 5514})

	rec := newRecorder()
	_, err := p.StartScan(context.Background(), nil, rec)
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}

	var rssi []int
	for len(rec.advs) > 0 {
		rssi = append(rssi, (<-rec.advs).RSSI)
	}
	assert.Equal(t, []int{-61, -62, -63}, rssi)

	// A finished replay can be started again.
	h, err := p.StartScan(context.Background(), nil, newRecorder())
	require.NoError(t, err)
	assert.NoError(t, p.StopScan(h))
}

func TestPCAPScanner_Missing(t *testing.T) {
	t.Parallel()

	p := NewPCAPScanner(PCAPScannerConfig{Path: filepath.Join(t.TempDir(), "nope.pcap")})
	_, err := p.StartScan(context.Background(), nil, newRecorder())
	assert.Equal(t, InternalError, CodeOf(err))
}

func TestDisabledScanner(t *testing.T) {
	t.Parallel()

	d := NewDisabledScanner()
	h1, err := d.StartScan(context.Background(), nil, newRecorder())
	require.NoError(t, err)
	h2, _ := d.StartScan(context.Background(), nil, newRecorder())
	assert.NotEqual(t, h1, h2)
	assert.NoError(t, d.StopScan(h1))
}
