package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/helpers"
)

const DefaultWsAPIEndpoint = "wss://ws-api.binance.com:443/ws-api/v3"

var (
	ErrTimeout          = errors.New("timeout error")
	ErrConnectionClosed = errors.New("binance ws api connection closed")
)

type GenericMessage[T any] struct {
	ID     int       `json:"id"`
	Status int       `json:"status"`
	Result T         `json:"result"`
	Error  *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Msg)
}

type DepthResult struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type syncResponse struct {
	msg []byte
	err error
}

// BinanceSyncAPI requests order book snapshots (depth) over the websocket
// API. The connection is dialed on first use and again after it broke.
type BinanceSyncAPI struct {
	endpoint string
	dialer   websocket.Dialer
	timeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int]chan syncResponse

	writeMutex sync.Mutex
}

func NewBinanceAPI(endpoint string) *BinanceSyncAPI {
	if endpoint == "" {
		endpoint = DefaultWsAPIEndpoint
	}

	return &BinanceSyncAPI{
		endpoint: endpoint,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
		timeout: 10 * time.Second,
		pending: make(map[int]chan syncResponse),
	}
}

// OrderBookSnapshot requests the depth of symbol. A non positive limit
// leaves the depth to the exchange default.
func (api *BinanceSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	params := map[string]interface{}{
		"symbol": symbol.Upper(""),
	}
	if limit > 0 {
		params["limit"] = limit
	}

	msg, err := api.request(ctx, "depth", params)
	if err != nil {
		return nil, err
	}

	var response GenericMessage[DepthResult]
	if err := json.Unmarshal(msg, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depth response: %w", err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	if response.Status != http.StatusOK {
		return nil, fmt.Errorf("binance depth request failed with status %d", response.Status)
	}

	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: response.Result.LastUpdateId,
		Bids:         response.Result.Bids,
		Asks:         response.Result.Asks,
	}, nil
}

func (api *BinanceSyncAPI) Close() error {
	api.mu.Lock()
	conn := api.conn
	api.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	api.dropConnection(conn)
	return err
}

func (api *BinanceSyncAPI) request(ctx context.Context, method string, params map[string]interface{}) ([]byte, error) {
	reqId := helpers.RandomRequestID()
	ch := make(chan syncResponse, 1)

	conn, err := api.register(ctx, reqId, ch)
	if err != nil {
		return nil, err
	}
	defer api.unregister(reqId)

	api.writeMutex.Lock()
	err = conn.WriteJSON(map[string]interface{}{
		"method": method,
		"params": params,
		"id":     reqId,
	})
	api.writeMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	timer := time.NewTimer(api.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.msg, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (api *BinanceSyncAPI) register(ctx context.Context, reqId int, ch chan syncResponse) (*websocket.Conn, error) {
	api.mu.Lock()
	defer api.mu.Unlock()

	if api.conn == nil {
		logger.WithField("endpoint", api.endpoint).Info("dialing binance websocket api")
		conn, _, err := api.dialer.DialContext(ctx, api.endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("error dialing binance sync ws api: %w", err)
		}
		api.conn = conn
		go api.listener(conn)
	}

	api.pending[reqId] = ch
	return api.conn, nil
}

func (api *BinanceSyncAPI) unregister(reqId int) {
	api.mu.Lock()
	delete(api.pending, reqId)
	api.mu.Unlock()
}

func (api *BinanceSyncAPI) listener(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.WithError(err).Warn("binance websocket api connection closed")
			api.dropConnection(conn)
			return
		}

		var response struct {
			ID *int `json:"id"`
		}
		if err := json.Unmarshal(message, &response); err != nil || response.ID == nil {
			continue
		}

		api.mu.Lock()
		ch, ok := api.pending[*response.ID]
		api.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case ch <- syncResponse{msg: message}:
		default:
		}
	}
}

func (api *BinanceSyncAPI) dropConnection(conn *websocket.Conn) {
	api.mu.Lock()
	var pending map[int]chan syncResponse
	if api.conn == conn {
		api.conn = nil
		pending = api.pending
		api.pending = make(map[int]chan syncResponse)
	}
	api.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		select {
		case ch <- syncResponse{err: ErrConnectionClosed}:
		default:
		}
	}
}
