package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/helpers"
)

const (
	// snapshot is requested this long after the first diff arrived at the earliest
	snapshotWarmup = 50 * time.Millisecond
	// without any diff the snapshot is requested anyway after this
	firstUpdateTimeout = 5 * time.Second
)

type DepthStream interface {
	DepthDiffStream(symbol *domain.MarketSymbol) (*DepthUpdateSubscription, error)
	Watch() (<-chan domain.ConnectionEvent, func())
	Reconnect() error
}

// OrderBookProvider keeps a synced order book fed from the diff depth
// stream. Binance update ids are consecutive, so a gap forces a reconnect.
type OrderBookProvider struct {
	symbol  *domain.MarketSymbol
	stream  DepthStream
	syncAPI domain.ProviderSyncAPI
	depth   int

	firstUpdateTimeout time.Duration
}

func NewOrderBookProvider(symbol *domain.MarketSymbol, stream DepthStream, syncAPI domain.ProviderSyncAPI, depth int) *OrderBookProvider {
	return &OrderBookProvider{
		symbol:             symbol,
		stream:             stream,
		syncAPI:            syncAPI,
		depth:              depth,
		firstUpdateTimeout: firstUpdateTimeout,
	}
}

func (p *OrderBookProvider) DoStart(ctx context.Context, book *domain.SyncedOrderBook) (domain.Subscription, error) {
	events, stopWatch := p.stream.Watch()

	updates, err := p.stream.DepthDiffStream(p.symbol)
	if err != nil {
		stopWatch()
		return nil, err
	}

	sub := &subscription{
		events:      events,
		stopWatch:   stopWatch,
		unsubscribe: updates.Unsubscribe,
		reconnect:   p.stream.Reconnect,
	}

	firstUpdate := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(firstUpdate) }) }
	go p.consume(updates, book, signal)

	ready := helpers.WithLatestFrom(firstUpdate, helpers.TimeToEmptyChan(time.After(snapshotWarmup)))
	timeout := time.NewTimer(p.firstUpdateTimeout)
	defer timeout.Stop()

	select {
	case <-ready:
	case <-timeout.C:
		logger.WithField("symbol", p.symbol.String()).Warn("no depth update yet, requesting snapshot anyway")
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}

	book.SubscriptionReady()

	if err := p.installSnapshot(ctx, book); err != nil {
		_ = sub.Close()
		return nil, err
	}

	return sub, nil
}

func (p *OrderBookProvider) DoResync(ctx context.Context, book *domain.SyncedOrderBook) (bool, error) {
	if err := p.installSnapshot(ctx, book); err != nil {
		return false, err
	}
	return true, nil
}

func (p *OrderBookProvider) installSnapshot(ctx context.Context, book *domain.SyncedOrderBook) error {
	snapshot, err := p.syncAPI.OrderBookSnapshot(ctx, p.symbol, p.depth)
	if err != nil {
		return fmt.Errorf("failed to get %s snapshot: %w", p.symbol, err)
	}

	asks, err := domain.ParsePriceLevels(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("malformed %s snapshot: %w", p.symbol, err)
	}
	bids, err := domain.ParsePriceLevels(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("malformed %s snapshot: %w", p.symbol, err)
	}

	book.SetInitialOrderBook(snapshot.LastUpdateId, asks, bids)
	return nil
}

func (p *OrderBookProvider) consume(updates *DepthUpdateSubscription, book *domain.SyncedOrderBook, firstUpdate func()) {
	// also releases a DoStart still waiting for the first update
	defer firstUpdate()

	for {
		select {
		case <-updates.Done:
			return
		case update := <-updates.Stream:
			firstUpdate()
			book.SubmitUpdateBatch(update.FirstSequence, update.LastSequence, update.Entries)
		}
	}
}

type subscription struct {
	events      <-chan domain.ConnectionEvent
	stopWatch   func()
	unsubscribe func()
	reconnect   func() error
	once        sync.Once
}

func (s *subscription) Events() <-chan domain.ConnectionEvent {
	return s.events
}

func (s *subscription) Reconnect() error {
	return s.reconnect()
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.stopWatch()
		s.unsubscribe()
	})
	return nil
}
