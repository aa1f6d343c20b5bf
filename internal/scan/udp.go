package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// UDPScanner receives advertisements forwarded by a BLE gateway as UDP
// datagrams, each holding one or more protocol lines.
type UDPScanner struct {
	address string
	rcvBuf  int
	clock   timeutil.Clock

	mu     sync.Mutex
	conn   *net.UDPConn
	handle Handle
	next   Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// UDPScannerConfig contains configuration options for the UDP scanner.
type UDPScannerConfig struct {
	Address string
	RcvBuf  int
	Clock   timeutil.Clock
}

// NewUDPScanner creates a scanner that will listen on cfg.Address.
func NewUDPScanner(cfg UDPScannerConfig) *UDPScanner {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &UDPScanner{address: cfg.Address, rcvBuf: cfg.RcvBuf, clock: cfg.Clock}
}

// StartScan binds the socket and starts receiving.
func (u *UDPScanner) StartScan(ctx context.Context, filters []Filter, cb Callback) (Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		return 0, &Error{Code: AlreadyStarted}
	}
	addr, err := net.ResolveUDPAddr("udp", u.address)
	if err != nil {
		return 0, &Error{Code: FeatureUnsupported, Err: fmt.Errorf("failed to resolve UDP address: %w", err)}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, &Error{Code: RegistrationFailed, Err: fmt.Errorf("failed to listen on UDP address: %w", err)}
	}
	if u.rcvBuf > 0 {
		if err := conn.SetReadBuffer(u.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", u.rcvBuf, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	u.next++
	u.conn = conn
	u.handle = u.next
	u.cancel = cancel
	u.done = make(chan struct{})

	go u.receive(runCtx, conn, filters, cb, u.done)
	monitoring.Logf("scan: UDP scanner listening on %s", conn.LocalAddr())
	return u.handle, nil
}

// StopScan closes the socket.
func (u *UDPScanner) StopScan(h Handle) error {
	u.mu.Lock()
	if u.conn == nil || h != u.handle {
		u.mu.Unlock()
		return nil
	}
	conn, cancel, done := u.conn, u.cancel, u.done
	u.conn = nil
	u.mu.Unlock()

	cancel()
	err := conn.Close()
	<-done
	return err
}

// Addr returns the bound address while scanning, or nil.
func (u *UDPScanner) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPScanner) receive(ctx context.Context, conn *net.UDPConn, filters []Filter, cb Callback, done chan struct{}) {
	defer close(done)

	buffer := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		// Set read deadline to allow checking context cancellation
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("scan: UDP read error: %v", err)
			continue
		}
		handleDatagram(string(buffer[:n]), u.clock.Now(), filters, cb)
	}
}

func handleDatagram(datagram string, at time.Time, filters []Filter, cb Callback) {
	for _, line := range strings.Split(datagram, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := dispatchLine(line, at, filters, cb); err != nil {
			monitoring.Logf("scan: %v", err)
		}
	}
}
