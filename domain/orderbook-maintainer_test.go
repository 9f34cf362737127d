package domain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	events     chan ConnectionEvent
	reconnects atomic.Int32
	closed     atomic.Bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan ConnectionEvent, 16)}
}

func (s *fakeSubscription) Events() <-chan ConnectionEvent { return s.events }

func (s *fakeSubscription) Reconnect() error {
	s.reconnects.Add(1)
	return nil
}

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeProvider struct {
	sub         *fakeSubscription
	startErr    error
	skipReady   bool
	snapshotSeq int64
	asks        []OrderBookEntry
	bids        []OrderBookEntry

	// DoResync fails this many times before installing the snapshot, -1 fails forever
	resyncFailures int32
	resyncCalls    atomic.Int32
}

func (p *fakeProvider) DoStart(ctx context.Context, book *SyncedOrderBook) (Subscription, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	if !p.skipReady {
		book.SubscriptionReady()
	}
	book.SetInitialOrderBook(p.snapshotSeq, p.asks, p.bids)
	return p.sub, nil
}

func (p *fakeProvider) DoResync(ctx context.Context, book *SyncedOrderBook) (bool, error) {
	n := p.resyncCalls.Add(1)
	if p.resyncFailures < 0 || n <= p.resyncFailures {
		return false, errors.New("snapshot unavailable")
	}
	book.SetInitialOrderBook(p.snapshotSeq, p.asks, p.bids)
	return true, nil
}

type statusRecorder struct {
	mu          sync.Mutex
	transitions [][2]Status
}

func (r *statusRecorder) record(old, new Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]Status{old, new})
}

func (r *statusRecorder) get() [][2]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]Status{}, r.transitions...)
}

func newStartedBook(t *testing.T, provider *fakeProvider) (*SyncedOrderBook, *statusRecorder) {
	t.Helper()
	symbol, err := NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)

	opts := DefaultOrderBookOptions()
	opts.ResyncBackoffMin = time.Millisecond
	opts.ResyncBackoffMax = 5 * time.Millisecond

	ob := NewSyncedOrderBook("mock", symbol, provider, opts)
	recorder := &statusRecorder{}
	ob.OnStatusChange(recorder.record)

	require.NoError(t, ob.Start(context.Background()))
	t.Cleanup(ob.Stop)
	return ob, recorder
}

func waitForStatus(t *testing.T, ob *SyncedOrderBook, status Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return ob.Status() == status
	}, time.Second, time.Millisecond, "status should become %s", status)
}

func TestStart(t *testing.T) {
	provider := &fakeProvider{
		sub:         newFakeSubscription(),
		snapshotSeq: 10,
		asks:        []OrderBookEntry{level("100", "1")},
		bids:        []OrderBookEntry{level("99", "1")},
	}

	ob, recorder := newStartedBook(t, provider)

	assert.Equal(t, StatusSynced, ob.Status())
	assert.Equal(t, int64(10), ob.LastSequenceNumber())
	assert.Equal(t, 1, ob.AskCount())
	assert.Equal(t, [][2]Status{
		{StatusDisconnected, StatusConnecting},
		{StatusConnecting, StatusSyncing},
		{StatusSyncing, StatusSynced},
	}, recorder.get())
}

func TestStart_Failure(t *testing.T) {
	symbol, err := NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)
	startErr := errors.New("handshake failed")
	ob := NewSyncedOrderBook("mock", symbol, &fakeProvider{startErr: startErr}, DefaultOrderBookOptions())
	recorder := &statusRecorder{}
	ob.OnStatusChange(recorder.record)

	err = ob.Start(context.Background())

	assert.ErrorIs(t, err, startErr)
	assert.Equal(t, StatusDisconnected, ob.Status())
	assert.Equal(t, [][2]Status{
		{StatusDisconnected, StatusConnecting},
		{StatusConnecting, StatusDisconnected},
	}, recorder.get())
}

func TestStart_Twice(t *testing.T) {
	ob, _ := newStartedBook(t, &fakeProvider{sub: newFakeSubscription()})

	assert.ErrorIs(t, ob.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart_SnapshotBeforeSubscriptionReadyIsDiscarded(t *testing.T) {
	provider := &fakeProvider{
		sub:         newFakeSubscription(),
		skipReady:   true,
		snapshotSeq: 10,
		asks:        []OrderBookEntry{level("100", "1")},
	}

	ob, _ := newStartedBook(t, provider)

	assert.Empty(t, ob.Asks())
	assert.Equal(t, int64(0), ob.LastSequenceNumber())
}

func TestSubmitUpdateBatch_GapForcesReconnect(t *testing.T) {
	sub := newFakeSubscription()
	ob, _ := newStartedBook(t, &fakeProvider{
		sub:         sub,
		snapshotSeq: 10,
		asks:        []OrderBookEntry{level("100", "1")},
	})

	ob.SubmitUpdateBatch(15, 15, []ProcessEntry{ask("100", "0"), ask("101", "1")})

	assert.Equal(t, int32(1), sub.reconnects.Load())
	assertLevels(t, []OrderBookEntry{level("100", "1")}, ob.Asks())
	assert.Equal(t, int64(10), ob.LastSequenceNumber())
	assert.Equal(t, StatusConnecting, ob.Status())
	assert.Equal(t, 0, ob.BufferedUpdates())
}

func TestConnectionLostAndRestored(t *testing.T) {
	sub := newFakeSubscription()
	provider := &fakeProvider{
		sub:         sub,
		snapshotSeq: 10,
		asks:        []OrderBookEntry{level("100", "1")},
		bids:        []OrderBookEntry{level("99", "1")},
	}
	ob, recorder := newStartedBook(t, provider)

	sub.events <- ConnectionLost
	waitForStatus(t, ob, StatusConnecting)

	// last known book stays readable
	assertLevels(t, []OrderBookEntry{level("100", "1")}, ob.Asks())
	assert.Equal(t, 0, ob.BufferedUpdates())

	// not initialized any more, so this waits for the resync snapshot
	ob.SubmitUpdateBatch(11, 11, []ProcessEntry{ask("101", "2")})
	assert.Equal(t, 1, ob.BufferedUpdates())
	assert.Equal(t, 1, ob.AskCount())

	sub.events <- ConnectionRestored
	waitForStatus(t, ob, StatusSynced)

	assertLevels(t, []OrderBookEntry{level("100", "1"), level("101", "2")}, ob.Asks())
	assert.Equal(t, int64(11), ob.LastSequenceNumber())
	assert.Equal(t, int32(1), provider.resyncCalls.Load())
	assert.Equal(t, [][2]Status{
		{StatusDisconnected, StatusConnecting},
		{StatusConnecting, StatusSyncing},
		{StatusSyncing, StatusSynced},
		{StatusSynced, StatusConnecting},
		{StatusConnecting, StatusSyncing},
		{StatusSyncing, StatusSynced},
	}, recorder.get())
}

func TestResync_RetriesWithBackoff(t *testing.T) {
	sub := newFakeSubscription()
	provider := &fakeProvider{sub: sub, snapshotSeq: 20, resyncFailures: 2}
	ob, _ := newStartedBook(t, provider)

	sub.events <- ConnectionLost
	sub.events <- ConnectionRestored

	waitForStatus(t, ob, StatusSynced)
	assert.Equal(t, int32(3), provider.resyncCalls.Load())
	assert.Equal(t, int64(20), ob.LastSequenceNumber())
}

func TestResync_IgnoredWhenNotConnecting(t *testing.T) {
	provider := &fakeProvider{sub: newFakeSubscription()}
	ob, _ := newStartedBook(t, provider)

	ob.Resync(context.Background())

	assert.Equal(t, StatusSynced, ob.Status())
	assert.Equal(t, int32(0), provider.resyncCalls.Load())
}

func TestStop_AbortsResync(t *testing.T) {
	sub := newFakeSubscription()
	provider := &fakeProvider{sub: sub, resyncFailures: -1}
	ob, _ := newStartedBook(t, provider)

	sub.events <- ConnectionLost
	sub.events <- ConnectionRestored
	assert.Eventually(t, func() bool {
		return provider.resyncCalls.Load() >= 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, StatusSyncing, ob.Status())

	ob.Stop()

	assert.Equal(t, StatusDisconnected, ob.Status())
	assert.True(t, sub.closed.Load())

	calls := provider.resyncCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, provider.resyncCalls.Load(), calls+1)
	assert.Equal(t, StatusDisconnected, ob.Status())
}

func TestStop_AllowsRestart(t *testing.T) {
	provider := &fakeProvider{sub: newFakeSubscription(), snapshotSeq: 3}
	ob, _ := newStartedBook(t, provider)

	ob.Stop()
	require.Equal(t, StatusDisconnected, ob.Status())

	provider.sub = newFakeSubscription()
	require.NoError(t, ob.Start(context.Background()))
	assert.Equal(t, StatusSynced, ob.Status())
}

func TestStop_LateGapBatchKeepsBookDisconnected(t *testing.T) {
	sub := newFakeSubscription()
	provider := &fakeProvider{sub: sub, snapshotSeq: 10, asks: []OrderBookEntry{level("100", "1")}}
	ob, _ := newStartedBook(t, provider)

	ob.Stop()
	ob.SubmitUpdateBatch(15, 15, []ProcessEntry{ask("101", "1")})

	assert.Equal(t, StatusDisconnected, ob.Status())
	assert.Equal(t, int32(0), sub.reconnects.Load())

	provider.sub = newFakeSubscription()
	require.NoError(t, ob.Start(context.Background()))
	assert.Equal(t, StatusSynced, ob.Status())
}

func TestStop_LateBatchDoesNotMutateBook(t *testing.T) {
	provider := &fakeProvider{sub: newFakeSubscription(), snapshotSeq: 10, asks: []OrderBookEntry{level("100", "1")}}
	ob, _ := newStartedBook(t, provider)

	ob.Stop()
	ob.SubmitUpdateBatch(11, 11, []ProcessEntry{ask("101", "2")})
	ob.SetInitialOrderBook(20, nil, nil)

	assertLevels(t, []OrderBookEntry{level("100", "1")}, ob.Asks())
	assert.Equal(t, int64(10), ob.LastSequenceNumber())
	assert.Equal(t, 0, ob.BufferedUpdates())
}

func TestStop_ResetIgnored(t *testing.T) {
	ob, recorder := newStartedBook(t, &fakeProvider{sub: newFakeSubscription()})

	ob.Stop()
	ob.Reset()

	assert.Equal(t, StatusDisconnected, ob.Status())
	transitions := recorder.get()
	assert.Equal(t, [2]Status{StatusSynced, StatusDisconnected}, transitions[len(transitions)-1])
}

func TestSubmitUpdateBatch_GapBeforeStartKeepsBookDisconnected(t *testing.T) {
	provider := &fakeProvider{sub: newFakeSubscription(), snapshotSeq: 30}
	symbol, err := NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)
	ob := NewSyncedOrderBook("mock", symbol, provider, DefaultOrderBookOptions())
	t.Cleanup(ob.Stop)

	ob.SetInitialOrderBook(10, []OrderBookEntry{level("100", "1")}, nil)
	ob.SubmitUpdateBatch(15, 15, []ProcessEntry{ask("101", "1")})

	assert.Equal(t, StatusDisconnected, ob.Status())
	assert.Equal(t, int32(0), provider.sub.reconnects.Load())

	require.NoError(t, ob.Start(context.Background()))
	assert.Equal(t, StatusSynced, ob.Status())
	assert.Equal(t, int64(30), ob.LastSequenceNumber())
}
