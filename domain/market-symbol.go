package domain

import (
	"fmt"
	"strings"
)

type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	base = strings.ToLower(strings.TrimSpace(base))
	quote = strings.ToLower(strings.TrimSpace(quote))

	if base == "" || quote == "" {
		return nil, fmt.Errorf("base and quote must not be empty")
	}
	if base == quote {
		return nil, fmt.Errorf("base and quote must be different")
	}

	return &MarketSymbol{
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

// NewMarketSymbolFromString accepts "btc_usdt", "BTC-USDT" and "btc/usdt".
func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	split := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == '/'
	})

	if len(split) != 2 {
		return nil, fmt.Errorf("invalid symbol string %q", s)
	}

	return NewMarketSymbol(split[0], split[1])
}

func (ms *MarketSymbol) Join(separator string) string {
	return ms.BaseAsset + separator + ms.QuoteAsset
}

// Upper is Join with upper-cased assets, the form exchanges use in requests.
func (ms *MarketSymbol) Upper(separator string) string {
	return strings.ToUpper(ms.Join(separator))
}

func (ms *MarketSymbol) String() string {
	return ms.Join("_")
}

func (ms *MarketSymbol) Equal(other *MarketSymbol) bool {
	return ms.BaseAsset == other.BaseAsset && ms.QuoteAsset == other.QuoteAsset
}
