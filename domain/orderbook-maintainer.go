package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("order book is already started")
	ErrStopped        = errors.New("order book was stopped while starting")
)

// Status returns the current lifecycle status.
func (ob *SyncedOrderBook) Status() Status {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.status
}

// OnStatusChange registers fn to be called with every status transition.
func (ob *SyncedOrderBook) OnStatusChange(fn func(old, new Status)) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.statusListeners = append(ob.statusListeners, fn)
}

// setStatusLocked must be called with mu held. The returned func notifies
// listeners and has to be called after mu is released.
func (ob *SyncedOrderBook) setStatusLocked(status Status) func() {
	old := ob.status
	if old == status {
		return func() {}
	}
	ob.status = status

	listeners := append([]func(old, new Status){}, ob.statusListeners...)
	return func() {
		ob.log.WithFields(logrus.Fields{"from": old, "to": status}).Info("status changed")
		for _, l := range listeners {
			l(old, status)
		}
	}
}

// Start subscribes through the provider and installs the first snapshot.
// On failure the book goes back to disconnected and the error is returned.
func (ob *SyncedOrderBook) Start(ctx context.Context) error {
	ob.mu.Lock()
	if ob.status != StatusDisconnected {
		ob.mu.Unlock()
		return ErrAlreadyStarted
	}
	ob.buffer.Clear()
	ob.bookSet = false
	ob.stopped = false
	ob.pendingReconnect = false
	notify := ob.setStatusLocked(StatusConnecting)
	ob.mu.Unlock()
	notify()

	ob.log.Info("starting order book")

	sub, err := ob.source.DoStart(ctx, ob)
	if err != nil {
		ob.mu.Lock()
		ob.stopLocked()
		notify = ob.setStatusLocked(StatusDisconnected)
		ob.mu.Unlock()
		notify()
		return fmt.Errorf("failed to start %s order book %s: %w", ob.provider, ob.symbol, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	ob.mu.Lock()
	if ob.status == StatusDisconnected {
		ob.mu.Unlock()
		cancel()
		if err := sub.Close(); err != nil {
			ob.log.WithError(err).Warn("failed to close subscription")
		}
		return ErrStopped
	}

	ob.subscription = sub
	ob.cancel = cancel
	reconnect := ob.pendingReconnect
	ob.pendingReconnect = false
	notify = func() {}
	if !reconnect {
		notify = ob.setStatusLocked(StatusSynced)
	}
	ob.mu.Unlock()

	go ob.watchConnection(runCtx, sub)
	notify()

	if reconnect {
		go ob.reconnect(sub)
	}

	return nil
}

// SubscriptionReady tells the book that the live stream is wired, the next
// snapshot will be accepted.
func (ob *SyncedOrderBook) SubscriptionReady() {
	ob.mu.Lock()
	if ob.status != StatusConnecting {
		ob.mu.Unlock()
		return
	}
	notify := ob.setStatusLocked(StatusSyncing)
	ob.mu.Unlock()
	notify()
}

// Reset is the reaction to a lost connection. Buffered updates are dropped
// and the next snapshot becomes the new baseline, the levels stay readable
// until then. A disconnected book stays disconnected, only Start leaves it.
func (ob *SyncedOrderBook) Reset() {
	ob.mu.Lock()
	if ob.status == StatusDisconnected {
		ob.mu.Unlock()
		ob.log.Debug("reset ignored while disconnected")
		return
	}
	notify := ob.resetLocked()
	ob.mu.Unlock()
	notify()
}

func (ob *SyncedOrderBook) resetLocked() func() {
	ob.buffer.Clear()
	ob.bookSet = false
	return ob.setStatusLocked(StatusConnecting)
}

// Resync is the reaction to a restored connection. It keeps asking the
// provider for a new snapshot until it succeeds, ctx is done or the status
// was changed by a newer reset or a stop.
func (ob *SyncedOrderBook) Resync(ctx context.Context) {
	generation, ok := ob.beginResync()
	if !ok {
		return
	}
	ob.runResync(ctx, generation)
}

func (ob *SyncedOrderBook) beginResync() (uint64, bool) {
	ob.mu.Lock()
	if ob.status != StatusConnecting {
		status := ob.status
		ob.mu.Unlock()
		ob.log.WithField("status", status).Debug("resync skipped")
		return 0, false
	}
	ob.resyncGeneration++
	generation := ob.resyncGeneration
	notify := ob.setStatusLocked(StatusSyncing)
	ob.mu.Unlock()
	notify()

	return generation, true
}

func (ob *SyncedOrderBook) runResync(ctx context.Context, generation uint64) {
	b := &backoff.Backoff{
		Min:    ob.opts.ResyncBackoffMin,
		Max:    ob.opts.ResyncBackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		if !ob.resyncCurrent(generation) {
			ob.log.Info("resync superseded")
			return
		}

		ok, err := ob.source.DoResync(ctx, ob)
		if err == nil && ok {
			break
		}

		delay := b.Duration()
		entry := ob.log.WithFields(logrus.Fields{"attempt": attempt, "retryIn": delay})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("resync failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	ob.mu.Lock()
	if ob.status != StatusSyncing || ob.resyncGeneration != generation {
		ob.mu.Unlock()
		return
	}
	notify := ob.setStatusLocked(StatusSynced)
	ob.mu.Unlock()
	notify()
}

func (ob *SyncedOrderBook) resyncCurrent(generation uint64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.status == StatusSyncing && ob.resyncGeneration == generation
}

// Stop disconnects the book and closes the subscription. A resync in flight
// gives up on its next attempt.
func (ob *SyncedOrderBook) Stop() {
	ob.mu.Lock()
	sub, cancel := ob.subscription, ob.cancel
	ob.subscription, ob.cancel = nil, nil
	ob.stopLocked()
	notify := ob.setStatusLocked(StatusDisconnected)
	ob.mu.Unlock()
	notify()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			ob.log.WithError(err).Warn("failed to close subscription")
		}
	}
	ob.log.Info("order book stopped")
}

// stopLocked makes the book ignore the stream until the next Start. The
// levels stay readable.
func (ob *SyncedOrderBook) stopLocked() {
	ob.stopped = true
	ob.bookSet = false
	ob.pendingReconnect = false
	ob.buffer.Clear()
}

func (ob *SyncedOrderBook) reconnect(sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Reconnect(); err != nil {
		ob.log.WithError(err).Error("reconnect failed")
	}
}

func (ob *SyncedOrderBook) watchConnection(ctx context.Context, sub Subscription) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			switch event {
			case ConnectionLost:
				ob.log.Warn("connection lost")
				ob.Reset()
			case ConnectionRestored:
				ob.log.Info("connection restored")
				if generation, ok := ob.beginResync(); ok {
					go ob.runResync(ctx, generation)
				}
			}
		}
	}
}
