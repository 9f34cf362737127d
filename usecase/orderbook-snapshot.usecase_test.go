package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnknownProvider = errors.New("unknown provider")

type fakeSubscription struct {
	events chan domain.ConnectionEvent
}

func (s *fakeSubscription) Events() <-chan domain.ConnectionEvent { return s.events }
func (s *fakeSubscription) Reconnect() error                      { return nil }
func (s *fakeSubscription) Close() error                          { return nil }

type fakeProvider struct {
	cm *fakeConnManager
}

func (p *fakeProvider) DoStart(ctx context.Context, book *domain.SyncedOrderBook) (domain.Subscription, error) {
	p.cm.starts.Add(1)
	if p.cm.startDelay > 0 {
		time.Sleep(p.cm.startDelay)
	}
	if err := p.cm.getStartErr(); err != nil {
		return nil, err
	}

	book.SubscriptionReady()
	ask, _ := domain.NewOrderBookEntry("101", "2")
	bid, _ := domain.NewOrderBookEntry("100", "1")
	book.SetInitialOrderBook(50, []domain.OrderBookEntry{ask}, []domain.OrderBookEntry{bid})
	return &fakeSubscription{events: make(chan domain.ConnectionEvent)}, nil
}

func (p *fakeProvider) DoResync(ctx context.Context, book *domain.SyncedOrderBook) (bool, error) {
	return true, nil
}

type fakeSyncAPI struct {
	calls atomic.Int32
}

func (a *fakeSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	a.calls.Add(1)
	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: 1,
		Asks:         [][]string{{"200", "1"}},
	}, nil
}

type fakeConnManager struct {
	api        *fakeSyncAPI
	starts     atomic.Int32
	startDelay time.Duration

	mu       sync.Mutex
	startErr error
}

func (cm *fakeConnManager) getStartErr() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.startErr
}

func (cm *fakeConnManager) setStartErr(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.startErr = err
}

func (cm *fakeConnManager) OrderBookProvider(provider string, symbol *domain.MarketSymbol) (domain.OrderBookProvider, error) {
	if provider != "binance" {
		return nil, errUnknownProvider
	}
	return &fakeProvider{cm: cm}, nil
}

func (cm *fakeConnManager) SyncAPI(provider string) (domain.ProviderSyncAPI, error) {
	if provider != "binance" {
		return nil, errUnknownProvider
	}
	return cm.api, nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []domain.Status
	open        int
}

func (r *recordingObserver) StatusListener(provider string, symbol *domain.MarketSymbol) func(old, new domain.Status) {
	return func(old, new domain.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transitions = append(r.transitions, new)
	}
}

func (r *recordingObserver) OrderBookOpened(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open++
}

func (r *recordingObserver) OrderBookClosed(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open--
}

func (r *recordingObserver) openBooks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func newUseCase(t *testing.T, observers ...StatusObserver) (*OrderBookSnapshotUseCase, *fakeConnManager) {
	t.Helper()
	cm := &fakeConnManager{api: &fakeSyncAPI{}}
	uc := NewOrderBookSnapshotUseCase(cm, domain.DefaultOrderBookOptions(), observers...)
	t.Cleanup(uc.StopAll)
	return uc, cm
}

func btcUsdt(t *testing.T) *domain.MarketSymbol {
	t.Helper()
	symbol, err := domain.NewMarketSymbol("btc", "usdt")
	require.NoError(t, err)
	return symbol
}

func waitStarted(t *testing.T, uc *OrderBookSnapshotUseCase, symbol *domain.MarketSymbol) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, waiting := uc.waitingRoom.Load(uc.getWaitingRoomKey("binance", symbol))
		return !waiting && uc.OrderBookCount("binance") == 1
	}, time.Second, time.Millisecond)
}

func TestGetOrderBookSnapshot_StartsLocalOrderBook(t *testing.T) {
	uc, cm := newUseCase(t)
	symbol := btcUsdt(t)
	ctx := context.Background()

	snapshot, err := uc.GetOrderBookSnapshot(ctx, "binance", symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBookSource_Provider, snapshot.Source)

	waitStarted(t, uc, symbol)

	snapshot, err = uc.GetOrderBookSnapshot(ctx, "binance", symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBookSource_LocalOrderBook, snapshot.Source)
	assert.Equal(t, domain.StatusSynced, snapshot.Status)
	assert.Equal(t, int64(50), snapshot.LastUpdateId)
	assert.Equal(t, [][]string{{"101", "2"}}, snapshot.Asks)
	assert.Equal(t, [][]string{{"100", "1"}}, snapshot.Bids)
	assert.Equal(t, int32(1), cm.api.calls.Load())
}

func TestGetOrderBookSnapshot_StartsOnce(t *testing.T) {
	uc, cm := newUseCase(t)
	cm.startDelay = 50 * time.Millisecond
	symbol := btcUsdt(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.GetOrderBookSnapshot(context.Background(), "binance", symbol, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return uc.OrderBookCount("binance") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), cm.starts.Load())
}

func TestGetOrderBookSnapshot_RetriesFailedStart(t *testing.T) {
	uc, cm := newUseCase(t)
	cm.setStartErr(errors.New("stream unavailable"))
	symbol := btcUsdt(t)

	_, err := uc.GetOrderBookSnapshot(context.Background(), "binance", symbol, 10)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, waiting := uc.waitingRoom.Load(uc.getWaitingRoomKey("binance", symbol))
		return cm.starts.Load() == 1 && !waiting
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, uc.OrderBookCount("binance"))

	cm.setStartErr(nil)
	_, err = uc.GetOrderBookSnapshot(context.Background(), "binance", symbol, 10)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return uc.OrderBookCount("binance") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), cm.starts.Load())
}

func TestGetOrderBookSnapshot_UnknownProvider(t *testing.T) {
	uc, cm := newUseCase(t)

	_, err := uc.GetOrderBookSnapshot(context.Background(), "ftx", btcUsdt(t), 10)

	assert.ErrorIs(t, err, errUnknownProvider)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), cm.starts.Load())
}

func TestStartOrderBook_Observers(t *testing.T) {
	obs := &recordingObserver{}
	uc, _ := newUseCase(t, obs)
	symbol := btcUsdt(t)

	book, err := uc.StartOrderBook(context.Background(), "binance", symbol)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSynced, book.Status())
	assert.Equal(t, 1, obs.openBooks())

	again, err := uc.StartOrderBook(context.Background(), "binance", symbol)
	require.NoError(t, err)
	assert.Same(t, book, again)

	require.NoError(t, uc.StopOrderBook("binance", symbol))
	assert.Equal(t, 0, obs.openBooks())
	assert.Equal(t, domain.StatusDisconnected, book.Status())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []domain.Status{
		domain.StatusConnecting,
		domain.StatusSyncing,
		domain.StatusSynced,
		domain.StatusDisconnected,
	}, obs.transitions)
}

func TestStopAll(t *testing.T) {
	uc, _ := newUseCase(t)
	eth, err := domain.NewMarketSymbol("eth", "usdt")
	require.NoError(t, err)

	btcBook, err := uc.StartOrderBook(context.Background(), "binance", btcUsdt(t))
	require.NoError(t, err)
	ethBook, err := uc.StartOrderBook(context.Background(), "binance", eth)
	require.NoError(t, err)

	uc.StopAll()

	assert.Empty(t, uc.OrderBooks())
	assert.Equal(t, domain.StatusDisconnected, btcBook.Status())
	assert.Equal(t, domain.StatusDisconnected, ethBook.Status())

	_, err = uc.StartOrderBook(context.Background(), "binance", eth)
	assert.ErrorIs(t, err, ErrClosed)
}
