package kucoin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/orderbook-sync/config"
	"github.com/spooky-finn/orderbook-sync/domain"
)

const firstUpdateTimeout = 5 * time.Second

type DepthStream interface {
	DepthDiffStream(symbol *domain.MarketSymbol) (*DepthUpdateSubscription, error)
	Watch() (<-chan domain.ConnectionEvent, func())
	Reconnect() error
}

// OrderBookProvider feeds a synced order book from the level2 topic. Changes
// carry their own sequence, so the ones already covered by the snapshot are
// skipped by the book. The level2 topic covers every level, so the baseline
// is always the full book.
type OrderBookProvider struct {
	symbol  *domain.MarketSymbol
	stream  DepthStream
	syncAPI domain.ProviderSyncAPI

	firstUpdateTimeout time.Duration
}

func NewOrderBookProvider(symbol *domain.MarketSymbol, stream DepthStream, syncAPI domain.ProviderSyncAPI) *OrderBookProvider {
	return &OrderBookProvider{
		symbol:             symbol,
		stream:             stream,
		syncAPI:            syncAPI,
		firstUpdateTimeout: firstUpdateTimeout,
	}
}

func (p *OrderBookProvider) DoStart(ctx context.Context, book *domain.SyncedOrderBook) (domain.Subscription, error) {
	logger.WithField("symbol", p.symbol.String()).Info("creating orderbook")

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

	firstUpd := make(chan struct{})
	var once sync.Once
	go p.runStreamSubscriber(updates, book, func() { once.Do(func() { close(firstUpd) }) })

	timer := time.NewTimer(p.firstUpdateTimeout)
	defer timer.Stop()

	select {
	case <-firstUpd:
	case <-timer.C:
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}

	if config.DebugMode {
		logger.WithField("symbol", p.symbol.String()).Debug("subscribed to level2 stream")
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
	snapshot, err := p.syncAPI.OrderBookSnapshot(ctx, p.symbol, 0)
	if err != nil {
		return err
	}

	asks, err := domain.ParsePriceLevels(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("malformed %s snapshot: %w", p.symbol, err)
	}
	bids, err := domain.ParsePriceLevels(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("malformed %s snapshot: %w", p.symbol, err)
	}

	logger.WithField("symbol", p.symbol.String()).Debug("got snapshot")
	book.SetInitialOrderBook(snapshot.LastUpdateId, asks, bids)
	return nil
}

func (p *OrderBookProvider) runStreamSubscriber(updates *DepthUpdateSubscription, book *domain.SyncedOrderBook, onFirstUpdate func()) {
	defer onFirstUpdate()

	for {
		select {
		case <-updates.Done:
			return
		case update := <-updates.Stream:
			onFirstUpdate()
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

func (s *subscription) Events() <-chan domain.ConnectionEvent { return s.events }

func (s *subscription) Reconnect() error { return s.reconnect() }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.stopWatch()
		s.unsubscribe()
	})
	return nil
}
