package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// Dongle commands.
const (
	CommandScanOn  = "SCAN ON"
	CommandScanOff = "SCAN OFF"
)

// SerialScanner drives a BLE scanner dongle on a serial port. The port is
// opened for each scan and closed when it stops.
type SerialScanner struct {
	path  string
	opts  PortOptions
	open  PortOpener
	clock timeutil.Clock

	commandMu sync.Mutex

	mu     sync.Mutex
	port   SerialPorter
	handle Handle
	next   Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// SerialScannerConfig configures a SerialScanner. Open defaults to
// OpenSerialPort and Clock to the real clock.
type SerialScannerConfig struct {
	Path    string
	Options PortOptions
	Open    PortOpener
	Clock   timeutil.Clock
}

// NewSerialScanner creates a scanner for the dongle at cfg.Path.
func NewSerialScanner(cfg SerialScannerConfig) *SerialScanner {
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SerialScanner{path: cfg.Path, opts: cfg.Options, open: cfg.Open, clock: cfg.Clock}
}

// StartScan opens the port, enables scanning and starts reading lines.
func (s *SerialScanner) StartScan(ctx context.Context, filters []Filter, cb Callback) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return 0, &Error{Code: AlreadyStarted}
	}
	port, err := s.open(s.path, s.opts)
	if err != nil {
		return 0, &Error{Code: RegistrationFailed, Err: fmt.Errorf("open %s: %w", s.path, err)}
	}
	if err := s.sendCommand(port, CommandScanOn); err != nil {
		port.Close()
		return 0, &Error{Code: RegistrationFailed, Err: fmt.Errorf("enable scanning: %w", err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Closing the port unblocks the reader.
	context.AfterFunc(runCtx, func() { port.Close() })

	s.next++
	s.port = port
	s.handle = s.next
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.monitor(runCtx, port, s.handle, filters, cb, s.done)
	monitoring.Logf("scan: serial scanner started on %s", s.path)
	return s.handle, nil
}

// StopScan disables scanning and closes the port.
func (s *SerialScanner) StopScan(h Handle) error {
	s.mu.Lock()
	if s.port == nil || h != s.handle {
		s.mu.Unlock()
		return nil
	}
	port, cancel, done := s.port, s.cancel, s.done
	s.port = nil
	s.mu.Unlock()

	err := s.sendCommand(port, CommandScanOff)
	cancel()
	<-done
	if err != nil {
		return fmt.Errorf("disable scanning: %w", err)
	}
	return nil
}

// sendCommand writes a newline-terminated command to port.
func (s *SerialScanner) sendCommand(port SerialPorter, command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// monitor reads lines until the port closes or fails. A failure that was not
// caused by StopScan is reported to cb.
func (s *SerialScanner) monitor(ctx context.Context, port SerialPorter, h Handle, filters []Filter, cb Callback, done chan struct{}) {
	defer close(done)

	sc := bufio.NewScanner(port)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := dispatchLine(sc.Text(), s.clock.Now(), filters, cb); err != nil {
			monitoring.Logf("scan: serial: %v", err)
		}
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	owned := s.port == port && s.handle == h
	if owned {
		s.port = nil
		s.cancel()
	}
	s.mu.Unlock()
	if !owned {
		return
	}

	err := sc.Err()
	if err == nil {
		err = errors.New("port closed")
	}
	monitoring.Logf("scan: serial reader on %s stopped: %v", s.path, err)
	cb.OnFailure(InternalError)
}
