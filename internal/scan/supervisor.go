package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// State is the supervisor's lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Active
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Active:
		return "ACTIVE"
	case Failed:
		return "FAILED"
	case Stopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// Delays before retry 1, 2, ... The number of entries is the retry limit.
	Delays []time.Duration
	// Window after which an old failure streak is forgotten.
	Window time.Duration
	// Cooldown before a fresh attempt once the retries are exhausted.
	Cooldown time.Duration
}

// DefaultRetryPolicy retries three times after 1s, 2s and 3s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		Window:   30 * time.Second,
		Cooldown: 10 * time.Second,
	}
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Scanner Scanner
	Clock   timeutil.Clock
	Policy  RetryPolicy
	Filters []Filter
	Metrics *monitoring.Metrics

	// OnAdvertisement receives every advertisement of the current session.
	OnAdvertisement func(Advertisement)
	// OnError receives failures that are not retried, and the final failure
	// of an exhausted retry streak.
	OnError func(code ErrorCode, err error)
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)
}

// Supervisor drives a Scanner through start, retry and stop.
//
// Every Start and Stop begins a new generation. Retry timers and scanner
// callbacks carry the generation they were created in and are ignored once it
// is no longer current.
type Supervisor struct {
	scanner Scanner
	clock   timeutil.Clock
	policy  RetryPolicy
	filters []Filter
	metrics *monitoring.Metrics

	onAdv   func(Advertisement)
	onError func(ErrorCode, error)
	onState func(from, to State)

	mu          sync.Mutex
	ctx         context.Context
	state       State
	gen         uint64
	handle      Handle
	live        bool // handle may still be scanning
	failures    int
	streakStart time.Time
	retry       timeutil.Timer
	reported    bool // an exhausted streak was surfaced since the last success

	// callbacks counts scanner callbacks in progress.
	callbacks atomic.Int32
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if len(cfg.Policy.Delays) == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	s := &Supervisor{
		scanner: cfg.Scanner,
		clock:   cfg.Clock,
		policy:  cfg.Policy,
		filters: cfg.Filters,
		metrics: cfg.Metrics,
		onAdv:   cfg.OnAdvertisement,
		onError: cfg.OnError,
		onState: cfg.OnStateChange,
		ctx:     context.Background(),
	}
	if s.onAdv == nil {
		s.onAdv = func(Advertisement) {}
	}
	if s.onError == nil {
		s.onError = func(ErrorCode, error) {}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of failures in the current streak.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Start begins scanning. It is a no-op while ACTIVE or STARTING. ctx bounds
// every start attempt of the session, including retries.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state == Active || s.state == Starting {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stopRetryLocked()
	s.failures = 0
	s.streakStart = time.Time{}
	s.reported = false
	s.ctx = ctx
	gen := s.gen
	s.mu.Unlock()

	s.attempt(gen)
}

// Stop ends the session. The scanner's stop is always called with the last
// handle, even if the supervisor believes nothing is running.
//
// Stop may be called from inside a scanner callback. Scanners wait for their
// reader goroutine in StopScan, so in that case the scanner is stopped on a
// separate goroutine and Stop returns once the session is closed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.gen++
	s.stopRetryLocked()
	s.failures = 0
	s.streakStart = time.Time{}
	s.reported = false
	h := s.handle
	s.live = false
	notify := s.setStateLocked(Stopped)
	s.mu.Unlock()

	notify()
	if s.callbacks.Load() > 0 {
		go s.stopScan(h, "stop")
		return
	}
	s.stopScan(h, "stop")
}

func (s *Supervisor) stopScan(h Handle, reason string) {
	if err := s.scanner.StopScan(h); err != nil {
		monitoring.Logf("scan: %s handle %d: %v", reason, h, err)
	}
}

func (s *Supervisor) attempt(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	prev, stopPrev := s.handle, s.live
	s.live = false
	notify := s.setStateLocked(Starting)
	s.mu.Unlock()

	notify()
	if stopPrev {
		s.stopScan(prev, "force-stop")
	}

	s.metrics.ScanAttempt()
	h, err := s.scanner.StartScan(ctx, s.filters, &session{s: s, gen: gen})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if err == nil {
			s.stopScan(h, "stale")
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(gen, CodeOf(err), err)
		return
	}
	s.handle = h
	s.live = true
	s.failures = 0
	s.streakStart = time.Time{}
	s.reported = false
	s.stopRetryLocked()
	notify = s.setStateLocked(Active)
	s.mu.Unlock()

	notify()
	monitoring.Logf("scan: active (handle %d)", h)
}

func (s *Supervisor) fail(gen uint64, code ErrorCode, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		err = &Error{Code: code}
	}
	s.metrics.ScanFailure(string(code))
	notify := s.setStateLocked(Failed)

	if !code.Retryable() {
		s.mu.Unlock()
		notify()
		monitoring.Logf("scan: %v", err)
		s.onError(code, err)
		return
	}

	now := s.clock.Now()
	if s.streakStart.IsZero() || now.Sub(s.streakStart) > s.policy.Window {
		s.failures = 0
		s.streakStart = now
	}
	s.failures++

	var (
		delay     time.Duration
		exhausted bool
		report    bool
	)
	if s.failures <= len(s.policy.Delays) {
		delay = s.policy.Delays[s.failures-1]
	} else {
		exhausted = true
		report = !s.reported
		s.reported = true
		delay = s.policy.Cooldown
		s.failures = 0
		s.streakStart = time.Time{}
	}
	s.stopRetryLocked()
	s.retry = s.clock.AfterFunc(delay, func() { s.attempt(gen) })
	s.mu.Unlock()

	notify()
	if exhausted {
		monitoring.Logf("scan: %v; retries exhausted, next attempt in %v", err, delay)
		// Repeats are logged only until a start succeeds.
		if report {
			s.onError(code, err)
		}
		return
	}
	monitoring.Logf("scan: %v; retrying in %v", err, delay)
}

func (s *Supervisor) stopRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// setStateLocked records the transition and returns the notification to run
// once the lock is released.
func (s *Supervisor) setStateLocked(to State) func() {
	from := s.state
	s.state = to
	if from == to {
		return func() {}
	}
	return func() {
		s.metrics.ScanState(from.String(), to.String())
		if s.onState != nil {
			s.onState(from, to)
		}
	}
}

// session is the scanner callback for one generation.
type session struct {
	s   *Supervisor
	gen uint64
}

func (c *session) current() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.gen == c.s.gen
}

func (c *session) OnAdvertisement(adv Advertisement) {
	c.s.callbacks.Add(1)
	defer c.s.callbacks.Add(-1)
	if c.current() {
		c.s.onAdv(adv)
	}
}

func (c *session) OnFailure(code ErrorCode) {
	c.s.callbacks.Add(1)
	defer c.s.callbacks.Add(-1)
	c.s.fail(c.gen, code, nil)
}
