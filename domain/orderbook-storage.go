package domain

import (
	"errors"
	"sync"
)

var ErrOrderBookNotFound = errors.New("order book not found")
var ErrProviderNotFound = errors.New("provider not found")

// OrderBookStorage keeps the running books by provider and symbol.
type OrderBookStorage struct {
	mu      sync.RWMutex
	storage map[string]map[string]*SyncedOrderBook
}

func NewOrderBookStorage() *OrderBookStorage {
	return &OrderBookStorage{
		storage: make(map[string]map[string]*SyncedOrderBook),
	}
}

func (o *OrderBookStorage) Add(orderBook *SyncedOrderBook) {
	o.mu.Lock()
	defer o.mu.Unlock()

	provider := orderBook.Provider()
	if _, ok := o.storage[provider]; !ok {
		o.storage[provider] = make(map[string]*SyncedOrderBook)
	}

	o.storage[provider][orderBook.Symbol().String()] = orderBook
}

func (o *OrderBookStorage) Get(provider string, symbol *MarketSymbol) (*SyncedOrderBook, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	books, ok := o.storage[provider]
	if !ok {
		return nil, ErrProviderNotFound
	}

	book, ok := books[symbol.String()]
	if !ok {
		return nil, ErrOrderBookNotFound
	}

	return book, nil
}

// Remove deletes the book from the storage and returns it, the caller owns stopping it.
func (o *OrderBookStorage) Remove(provider string, symbol *MarketSymbol) (*SyncedOrderBook, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	books, ok := o.storage[provider]
	if !ok {
		return nil, ErrProviderNotFound
	}

	book, ok := books[symbol.String()]
	if !ok {
		return nil, ErrOrderBookNotFound
	}

	delete(books, symbol.String())
	if len(books) == 0 {
		delete(o.storage, provider)
	}

	return book, nil
}

// OrderBookCount returns the number of books of the provider, 0 for an unknown one.
func (o *OrderBookStorage) OrderBookCount(provider string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.storage[provider])
}

func (o *OrderBookStorage) All() []*SyncedOrderBook {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var result []*SyncedOrderBook
	for _, books := range o.storage {
		for _, book := range books {
			result = append(result, book)
		}
	}

	return result
}
