package helpers

import (
	"testing"
	"time"

	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan domain.ConnectionEvent) []domain.ConnectionEvent {
	var events []domain.ConnectionEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestConnectionTracker(t *testing.T) {
	tests := []struct {
		name     string
		run      func(tr *ConnectionTracker)
		expected []domain.ConnectionEvent
	}{
		{
			name:     "first dial is silent",
			run:      func(tr *ConnectionTracker) { tr.Connected() },
			expected: nil,
		},
		{
			name: "lost then restored",
			run: func(tr *ConnectionTracker) {
				tr.Connected()
				tr.Disconnected(tr.Epoch())
				tr.Connected()
			},
			expected: []domain.ConnectionEvent{domain.ConnectionLost, domain.ConnectionRestored},
		},
		{
			name: "missed drop is reported before restore",
			run: func(tr *ConnectionTracker) {
				tr.Connected()
				tr.Connected()
			},
			expected: []domain.ConnectionEvent{domain.ConnectionLost, domain.ConnectionRestored},
		},
		{
			name: "stale and repeated drops are ignored",
			run: func(tr *ConnectionTracker) {
				tr.Connected()
				stale := tr.Epoch()
				tr.Connected()
				tr.Disconnected(stale)
				tr.Disconnected(tr.Epoch())
				tr.Disconnected(tr.Epoch())
			},
			expected: []domain.ConnectionEvent{
				domain.ConnectionLost, domain.ConnectionRestored, domain.ConnectionLost,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &ConnectionTracker{}
			events, stop := tr.Watch()
			defer stop()

			tt.run(tr)

			assert.Equal(t, tt.expected, drain(events))
		})
	}
}

func TestConnectionTracker_WaitConnectedSince(t *testing.T) {
	tr := &ConnectionTracker{}
	tr.Connected()
	epoch := tr.Epoch()

	assert.False(t, tr.WaitConnectedSince(epoch, 20*time.Millisecond, nil))

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Connected()
	}()
	require.True(t, tr.WaitConnectedSince(epoch, time.Second, nil))

	done := make(chan struct{})
	close(done)
	assert.False(t, tr.WaitConnectedSince(tr.Epoch(), time.Second, done))
}
