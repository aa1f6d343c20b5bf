package scan

import (
	"context"
	"sync"
)

// MockScanner is a scriptable Scanner for tests. StartScan returns the queued
// results in order and succeeds once the queue is empty.
type MockScanner struct {
	mu sync.Mutex

	// StartErrors are returned by successive StartScan calls; nil entries
	// succeed.
	StartErrors []error

	// StartCalls and StopCalls record every call.
	StartCalls int
	StopCalls  []Handle
	Filters    []Filter

	next   Handle
	active map[Handle]Callback
	lastCB Callback
}

// NewMockScanner creates a MockScanner that fails with errs before succeeding.
func NewMockScanner(errs ...error) *MockScanner {
	return &MockScanner{StartErrors: errs, active: make(map[Handle]Callback)}
}

// StartScan implements Scanner.
func (m *MockScanner) StartScan(_ context.Context, filters []Filter, cb Callback) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartCalls++
	m.Filters = filters
	m.lastCB = cb

	if len(m.StartErrors) > 0 {
		err := m.StartErrors[0]
		m.StartErrors = m.StartErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	m.next++
	m.active[m.next] = cb
	return m.next, nil
}

// StopScan implements Scanner.
func (m *MockScanner) StopScan(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls = append(m.StopCalls, h)
	delete(m.active, h)
	return nil
}

// QueueErrors appends results for future StartScan calls.
func (m *MockScanner) QueueErrors(errs ...error) {
	m.mu.Lock()
	m.StartErrors = append(m.StartErrors, errs...)
	m.mu.Unlock()
}

// Starts returns the number of StartScan calls so far.
func (m *MockScanner) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StartCalls
}

// Stops returns a copy of the handles passed to StopScan.
func (m *MockScanner) Stops() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.StopCalls...)
}

// Active reports how many started scans have not been stopped.
func (m *MockScanner) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Emit delivers adv to every active scan's callback.
func (m *MockScanner) Emit(adv Advertisement) {
	for _, cb := range m.callbacks() {
		cb.OnAdvertisement(adv)
	}
}

// Fail reports an asynchronous failure to every active scan's callback.
func (m *MockScanner) Fail(code ErrorCode) {
	for _, cb := range m.callbacks() {
		cb.OnFailure(code)
	}
}

// LastCallback returns the callback passed to the most recent StartScan,
// whether or not it succeeded.
func (m *MockScanner) LastCallback() Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCB
}

func (m *MockScanner) callbacks() []Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Callback, 0, len(m.active))
	for _, cb := range m.active {
		out = append(out, cb)
	}
	return out
}
