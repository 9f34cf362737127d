package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/config"
	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/provider/binance"
	"github.com/spooky-finn/orderbook-sync/provider/kucoin"
)

var logger = logrus.WithField("component", "conn-manager")

const (
	Binance = "binance"
	Kucoin  = "kucoin"
)

var ErrUnknownProvider = errors.New("unknown provider")

// ConnectionManager owns one stream client and one snapshot API per
// exchange. All books of an exchange share them.
type ConnectionManager struct {
	available map[string]bool
	depth     int

	KucoinWS        *kucoin.KucoinStreamClient
	KucoinSyncAPI   *kucoin.KucoinSyncAPI
	KucoinStreamAPI *kucoin.KucoinStreamAPI

	BinanceWC        *binance.BinanceStreamClient
	BinanceSyncAPI   *binance.BinanceSyncAPI
	BinanceStreamAPI *binance.BinanceStreamAPI
}

func NewConnectionManager(conf *config.Config) *ConnectionManager {
	binanceStreamClient := binance.NewBinanceStreamClient(conf.BinanceStreamEndpoint)

	kucoinSyncAPI := kucoin.NewKucoinSyncAPI(kucoin.NewApiService(kucoin.Credentials{
		BaseURL:    conf.KucoinBaseURL,
		APIKey:     conf.KucoinAPIKey,
		SecretKey:  conf.KucoinSecretKey,
		Passphrase: conf.KucoinPassphrase,
	}))
	kucoinStreamClient := kucoin.NewKucoinStreamClient(kucoinSyncAPI)

	available := make(map[string]bool)
	for _, p := range conf.AvailableProviders {
		available[p] = true
	}

	return &ConnectionManager{
		available: available,
		depth:     conf.SnapshotDepth,

		KucoinWS:         kucoinStreamClient,
		KucoinSyncAPI:    kucoinSyncAPI,
		KucoinStreamAPI:  kucoin.NewKucoinStreamAPI(kucoinStreamClient),
		BinanceWC:        binanceStreamClient,
		BinanceSyncAPI:   binance.NewBinanceAPI(conf.BinanceWsAPIEndpoint),
		BinanceStreamAPI: binance.NewBinanceStreamAPI(binanceStreamClient),
	}
}

// Init dials the stream of every available provider. A failed dial is
// logged, recws keeps retrying it.
func (cm *ConnectionManager) Init() {
	wg := &sync.WaitGroup{}
	if cm.available[Binance] {
		wg.Add(1)
		go cm.dial(wg, Binance, cm.BinanceWC.Connect)
	}
	if cm.available[Kucoin] {
		wg.Add(1)
		go cm.dial(wg, Kucoin, cm.KucoinWS.Connect)
	}
	wg.Wait()
}

func (cm *ConnectionManager) dial(wg *sync.WaitGroup, provider string, connect func() error) {
	defer wg.Done()
	if err := connect(); err != nil {
		logger.WithError(err).WithField("provider", provider).Error("failed to connect to stream")
	}
}

func (cm *ConnectionManager) IsAvailable(provider string) bool {
	return cm.available[provider]
}

func (cm *ConnectionManager) Providers() []string {
	var result []string
	for _, p := range []string{Binance, Kucoin} {
		if cm.available[p] {
			result = append(result, p)
		}
	}
	return result
}

func (cm *ConnectionManager) OrderBookProvider(provider string, symbol *domain.MarketSymbol) (domain.OrderBookProvider, error) {
	if err := cm.check(provider); err != nil {
		return nil, err
	}

	switch provider {
	case Kucoin:
		return kucoin.NewOrderBookProvider(symbol, cm.KucoinStreamAPI, cm.KucoinSyncAPI), nil
	default:
		return binance.NewOrderBookProvider(symbol, cm.BinanceStreamAPI, cm.BinanceSyncAPI, cm.depth), nil
	}
}

func (cm *ConnectionManager) SyncAPI(provider string) (domain.ProviderSyncAPI, error) {
	if err := cm.check(provider); err != nil {
		return nil, err
	}

	switch provider {
	case Kucoin:
		return cm.KucoinSyncAPI, nil
	default:
		return cm.BinanceSyncAPI, nil
	}
}

func (cm *ConnectionManager) check(provider string) error {
	if provider != Binance && provider != Kucoin {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if !cm.available[provider] {
		return fmt.Errorf("%w: %s is not enabled", ErrUnknownProvider, provider)
	}
	return nil
}

func (cm *ConnectionManager) Close() {
	_ = cm.KucoinWS.Close()
	_ = cm.BinanceWC.Close()
	_ = cm.BinanceSyncAPI.Close()
}
