package rpc

import "github.com/spooky-finn/orderbook-sync/domain"

// ProviderRegistry reports which providers are enabled.
type ProviderRegistry interface {
	IsAvailable(provider string) bool
}

type ValidationService struct {
	providers ProviderRegistry
}

func NewValidationService(providers ProviderRegistry) *ValidationService {
	return &ValidationService{
		providers: providers,
	}
}

func (s *ValidationService) IsSupportedProvider(provider string) bool {
	return s.providers.IsAvailable(provider)
}

// ParseMarket accepts base/quote and the separators the exchanges use.
func (s *ValidationService) ParseMarket(market string) (*domain.MarketSymbol, error) {
	return domain.NewMarketSymbolFromString(market)
}
