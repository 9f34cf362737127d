package kucoin

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
)

var logger = logrus.WithField("component", "kucoin")

var ErrNoInstanceServers = errors.New("kucoin returned no websocket instance servers")

// RestClient is the part of kucoin.ApiService the provider calls.
type RestClient interface {
	WebSocketPublicToken() (*kucoin.ApiResponse, error)
	AggregatedFullOrderBookV3(symbol string) (*kucoin.ApiResponse, error)
}

type Credentials struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
}

func NewApiService(c Credentials) *kucoin.ApiService {
	opts := []kucoin.ApiServiceOption{
		kucoin.ApiKeyOption(c.APIKey),
		kucoin.ApiSecretOption(c.SecretKey),
		kucoin.ApiPassPhraseOption(c.Passphrase),
	}
	if c.BaseURL != "" {
		opts = append(opts, kucoin.ApiBaseURIOption(c.BaseURL))
	}

	return kucoin.NewApiService(opts...)
}

type KucoinSyncAPI struct {
	apiService RestClient
}

func NewKucoinSyncAPI(apiService RestClient) *KucoinSyncAPI {
	return &KucoinSyncAPI{
		apiService: apiService,
	}
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// WsConnOpts requests a public websocket token and the servers to use it on.
func (api *KucoinSyncAPI) WsConnOpts() (*kucoin.WebSocketTokenModel, error) {
	resp, err := api.apiService.WebSocketPublicToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get ws connection options: %w", err)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err := resp.ReadData(data); err != nil {
		return nil, fmt.Errorf("failed to read ws connection options: %w, response: %s", err, resp.Message)
	}
	if len(data.Servers) == 0 {
		return nil, ErrNoInstanceServers
	}

	return data, nil
}

// OrderBookSnapshot returns the full aggregated book cut to limit levels per
// side when limit is positive.
func (api *KucoinSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := api.apiService.AggregatedFullOrderBookV3(symbol.Upper("-"))
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}

	data := &OrderBookSnapshot{}
	if err := resp.ReadData(data); err != nil {
		return nil, fmt.Errorf("failed to read order book snapshot: %w, response: %s", err, resp.RawData)
	}

	lastUpdId, err := strconv.ParseInt(data.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sequence to int: %w, response: %s", err, resp.RawData)
	}

	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: lastUpdId,
		Bids:         cut(data.Bids, limit),
		Asks:         cut(data.Asks, limit),
	}, nil
}

func cut(levels [][]string, limit int) [][]string {
	if limit > 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}
