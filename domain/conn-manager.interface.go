package domain

// ConnManager resolves a provider name to the exchange specific parts of a
// synced order book.
type ConnManager interface {
	OrderBookProvider(provider string, symbol *MarketSymbol) (OrderBookProvider, error)
	SyncAPI(provider string) (ProviderSyncAPI, error)
}
