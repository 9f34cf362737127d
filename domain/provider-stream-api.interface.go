package domain

import "context"

type ConnectionEvent int

const (
	ConnectionLost ConnectionEvent = iota + 1
	ConnectionRestored
)

func (e ConnectionEvent) String() string {
	switch e {
	case ConnectionLost:
		return "connection lost"
	case ConnectionRestored:
		return "connection restored"
	default:
		return "unknown"
	}
}

// Subscription is the live stream handle a provider hands to the order book.
// Events delivers connection signals in the order they happened.
type Subscription interface {
	Events() <-chan ConnectionEvent
	// Reconnect blocks until the reconnect attempt completes.
	Reconnect() error
	Close() error
}

// OrderBookProvider is the exchange specific part of a synced order book.
//
// DoStart subscribes to the live updates, calls SubscriptionReady once they
// are wired and installs the first snapshot with SetInitialOrderBook.
// DoResync fetches and installs a fresh snapshot after a reconnect.
type OrderBookProvider interface {
	DoStart(ctx context.Context, book *SyncedOrderBook) (Subscription, error)
	DoResync(ctx context.Context, book *SyncedOrderBook) (bool, error)
}

type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol *MarketSymbol, limit int) (*OrderBookSnapshot, error)
}

// StreamSubscription is a raw topic stream of a provider stream client.
// Done is closed once Unsubscribe was called.
type StreamSubscription[T any] struct {
	Stream      chan T
	Done        <-chan struct{}
	Unsubscribe func()
	Topic       string
}
