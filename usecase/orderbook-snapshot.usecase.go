package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
)

const STARTING = "starting"

const startTimeout = 30 * time.Second

var logger = logrus.WithField("component", "orderbook-snapshot-usecase")

var ErrClosed = errors.New("use case is closed")

// StatusObserver gets a status listener for every book that is started.
type StatusObserver interface {
	StatusListener(provider string, symbol *domain.MarketSymbol) func(old, new domain.Status)
}

// BookCounter is implemented by observers that count the running books.
type BookCounter interface {
	OrderBookOpened(provider string)
	OrderBookClosed(provider string)
}

type OrderBookSnapshotUseCase struct {
	connManager domain.ConnManager
	storage     *domain.OrderBookStorage
	opts        domain.OrderBookOptions
	observers   []StatusObserver

	waitingRoom sync.Map

	mu     sync.Mutex
	closed bool
}

func NewOrderBookSnapshotUseCase(
	connManager domain.ConnManager,
	opts domain.OrderBookOptions,
	observers ...StatusObserver,
) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{
		connManager: connManager,
		storage:     domain.NewOrderBookStorage(),
		opts:        opts,
		observers:   observers,
		waitingRoom: sync.Map{},
	}
}

// GetOrderBookSnapshot returns the snapshot of the local synced order book.
// While the local book is missing, starting or out of sync the snapshot comes
// from the provider api, a missing book is started in the background.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int,
) (*domain.OrderBookSnapshot, error) {
	waitingRoomKey := o.getWaitingRoomKey(provider, symbol)
	if _, ok := o.waitingRoom.Load(waitingRoomKey); ok {
		logger.WithFields(logrus.Fields{"provider": provider, "symbol": symbol.String()}).
			Debug("orderbook is initing, provider snapshot returned")
		return o.providerSnapshot(ctx, provider, symbol, limit)
	}

	orderbook, err := o.storage.Get(provider, symbol)
	if err != nil {
		if _, err := o.connManager.SyncAPI(provider); err != nil {
			return nil, err
		}
		o.startInBackground(provider, symbol)
		return o.providerSnapshot(ctx, provider, symbol, limit)
	}

	if orderbook.Status() != domain.StatusSynced {
		return o.providerSnapshot(ctx, provider, symbol, limit)
	}

	return orderbook.TakeSnapshot(limit), nil
}

func (o *OrderBookSnapshotUseCase) providerSnapshot(
	ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int,
) (*domain.OrderBookSnapshot, error) {
	api, err := o.connManager.SyncAPI(provider)
	if err != nil {
		return nil, err
	}
	return api.OrderBookSnapshot(ctx, symbol, limit)
}

func (o *OrderBookSnapshotUseCase) startInBackground(provider string, symbol *domain.MarketSymbol) {
	waitingRoomKey := o.getWaitingRoomKey(provider, symbol)
	if _, loaded := o.waitingRoom.LoadOrStore(waitingRoomKey, STARTING); loaded {
		return
	}

	go func() {
		defer o.waitingRoom.Delete(waitingRoomKey)

		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		if _, err := o.StartOrderBook(ctx, provider, symbol); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"provider": provider,
				"symbol":   symbol.String(),
			}).Error("failed to start orderbook")
		}
	}()
}

// StartOrderBook starts a synced order book and adds it to the runtime
// storage. A book that already runs is returned as is.
func (o *OrderBookSnapshotUseCase) StartOrderBook(
	ctx context.Context, provider string, symbol *domain.MarketSymbol,
) (*domain.SyncedOrderBook, error) {
	if book, err := o.storage.Get(provider, symbol); err == nil {
		return book, nil
	}
	if o.isClosed() {
		return nil, ErrClosed
	}

	source, err := o.connManager.OrderBookProvider(provider, symbol)
	if err != nil {
		return nil, err
	}

	book := domain.NewSyncedOrderBook(provider, symbol, source, o.opts)
	for _, obs := range o.observers {
		book.OnStatusChange(obs.StatusListener(provider, symbol))
	}

	if err := book.Start(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		book.Stop()
		return nil, ErrClosed
	}
	if running, err := o.storage.Get(provider, symbol); err == nil {
		// lost a race with another start of the same book
		o.mu.Unlock()
		book.Stop()
		return running, nil
	}
	o.storage.Add(book)
	o.mu.Unlock()

	o.countOpened(provider)
	logger.WithFields(logrus.Fields{
		"provider": provider,
		"symbol":   symbol.String(),
	}).Info("orderbook is added to the runtime storage")

	return book, nil
}

func (o *OrderBookSnapshotUseCase) StopOrderBook(provider string, symbol *domain.MarketSymbol) error {
	book, err := o.storage.Remove(provider, symbol)
	if err != nil {
		return fmt.Errorf("failed to stop %s %s: %w", provider, symbol, err)
	}

	book.Stop()
	o.countClosed(provider)
	return nil
}

// StopAll stops every book, no book can be started afterwards.
func (o *OrderBookSnapshotUseCase) StopAll() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, book := range o.storage.All() {
		if err := o.StopOrderBook(book.Provider(), book.Symbol()); err != nil {
			logger.WithError(err).Warn("failed to stop orderbook")
		}
	}
}

// OrderBooks returns the running books.
func (o *OrderBookSnapshotUseCase) OrderBooks() []*domain.SyncedOrderBook {
	return o.storage.All()
}

func (o *OrderBookSnapshotUseCase) OrderBookCount(provider string) int {
	return o.storage.OrderBookCount(provider)
}

func (o *OrderBookSnapshotUseCase) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *OrderBookSnapshotUseCase) countOpened(provider string) {
	for _, obs := range o.observers {
		if c, ok := obs.(BookCounter); ok {
			c.OrderBookOpened(provider)
		}
	}
}

func (o *OrderBookSnapshotUseCase) countClosed(provider string) {
	for _, obs := range o.observers {
		if c, ok := obs.(BookCounter); ok {
			c.OrderBookClosed(provider)
		}
	}
}

func (o *OrderBookSnapshotUseCase) getWaitingRoomKey(provider string, symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("%s-%s", provider, symbol.String())
}
