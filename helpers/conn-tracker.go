package helpers

import (
	"sync"
	"time"

	"github.com/spooky-finn/orderbook-sync/domain"
)

// ConnectionTracker turns the dial and read failure callbacks of a
// reconnecting socket into an ordered stream of lost and restored events.
// Every successful dial starts a new epoch.
type ConnectionTracker struct {
	mu        sync.Mutex
	connected bool
	epoch     uint64
	events    EventHub[domain.ConnectionEvent]
}

func (t *ConnectionTracker) Watch() (<-chan domain.ConnectionEvent, func()) {
	return t.events.Watch(16)
}

func (t *ConnectionTracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Connected records a successful dial. The first one is silent, every later
// one is reported as restored, preceded by lost when the drop went unnoticed.
func (t *ConnectionTracker) Connected() (restored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected && t.epoch > 0 {
		t.events.Broadcast(domain.ConnectionLost)
	}
	t.connected = true
	t.epoch++
	if t.epoch == 1 {
		return false
	}

	t.events.Broadcast(domain.ConnectionRestored)
	return true
}

// Disconnected records that the connection of epoch broke. Stale epochs and
// repeated calls are ignored.
func (t *ConnectionTracker) Disconnected(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.epoch != epoch {
		return false
	}
	t.connected = false
	t.events.Broadcast(domain.ConnectionLost)
	return true
}

// ConnectedSince reports whether a connection newer than epoch is up.
func (t *ConnectionTracker) ConnectedSince(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.epoch > epoch
}

// WaitConnectedSince polls until a connection newer than epoch is up. It
// gives up after timeout or once done is closed.
func (t *ConnectionTracker) WaitConnectedSince(epoch uint64, timeout time.Duration, done <-chan struct{}) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if t.ConnectedSince(epoch) {
			return true
		}

		select {
		case <-done:
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
