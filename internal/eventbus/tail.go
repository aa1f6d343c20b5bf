package eventbus

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// Tail re-publishes bus events as JSON lines to any number of subscribers.
// Slow subscribers miss lines rather than stall the bus.
type Tail struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	detach      func()
}

// NewTail attaches a tail to bus.
func NewTail(bus *Bus) *Tail {
	t := &Tail{subscribers: make(map[string]chan string)}
	t.detach = Attach(bus, t.publish)
	return t
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a subscriber ID and a channel of JSON lines.
func (t *Tail) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, 16)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tail) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Subscribers returns the number of active subscribers.
func (t *Tail) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Close detaches from the bus and closes every subscriber channel.
func (t *Tail) Close() {
	t.detach()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

func (t *Tail) publish(rec Record) {
	b, err := rec.JSON()
	if err != nil {
		monitoring.Logf("eventbus: failed to encode %s event: %v", rec.Kind, err)
		return
	}
	line := string(b)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
			// skip full subscribers so as not to block the bus
		}
	}
}
