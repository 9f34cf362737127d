package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/recws-org/recws"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/helpers"
)

var logger = logrus.WithField("component", "binance")

const (
	DefaultStreamEndpoint = "wss://stream.binance.com:9443/stream"

	pingDelay        = time.Minute * 9
	reconnectTimeout = 10 * time.Second
	topicBufferSize  = 256
)

var (
	ErrTopicTaken       = errors.New("topic already has a subscriber")
	ErrClientClosed     = errors.New("stream client is closed")
	ErrReconnectTimeout = errors.New("timed out waiting for the stream to reconnect")
)

// Message is the envelope of the combined stream endpoint.
type Message[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type WebSocketRequestModel struct {
	ReqId  int      `json:"id"`
	Params []string `json:"params"`
	Method string   `json:"method"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int            `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type subscriptionEntry struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (e *subscriptionEntry) close() {
	e.once.Do(func() { close(e.done) })
}

// BinanceStreamClient multiplexes topic subscriptions over one reconnecting
// websocket. Topics are subscribed again after every reconnect and watchers
// are told about every lost and restored connection.
type BinanceStreamClient struct {
	endpoint         string
	handshakeTimeout time.Duration
	reconnectMin     time.Duration
	reconnectMax     time.Duration

	conn    *recws.RecConn
	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]*subscriptionEntry

	state  helpers.ConnectionTracker
	closed chan struct{}
	once   sync.Once
}

func NewBinanceStreamClient(endpoint string) *BinanceStreamClient {
	if endpoint == "" {
		endpoint = DefaultStreamEndpoint
	}

	return &BinanceStreamClient{
		endpoint:         endpoint,
		handshakeTimeout: 5 * time.Second,
		reconnectMin:     2 * time.Second,
		reconnectMax:     30 * time.Second,
		subscriptions:    make(map[string]*subscriptionEntry),
		closed:           make(chan struct{}),
	}
}

// Connect dials the endpoint and starts reading. When the first attempt
// fails the client keeps retrying in the background.
func (c *BinanceStreamClient) Connect() error {
	c.conn = &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshakeTimeout,
		RecIntvlMin:      c.reconnectMin,
		RecIntvlMax:      c.reconnectMax,
		KeepAliveTimeout: pingDelay,
		SubscribeHandler: c.onConnected,
		NonVerbose:       true,
	}

	c.conn.Dial(c.endpoint, nil)
	go c.read()

	if !c.conn.IsConnected() {
		return fmt.Errorf("binance stream %s is not connected: %w", c.endpoint, c.conn.GetDialError())
	}

	logger.WithField("endpoint", c.endpoint).Info("stream connected")
	return nil
}

// Subscribe registers the only consumer of topic. While disconnected the
// subscribe request is sent on the next reconnect.
func (c *BinanceStreamClient) Subscribe(topic string) (*domain.StreamSubscription[[]byte], error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	c.mu.Lock()
	if _, ok := c.subscriptions[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicTaken, topic)
	}
	entry := &subscriptionEntry{
		ch:   make(chan []byte, topicBufferSize),
		done: make(chan struct{}),
	}
	c.subscriptions[topic] = entry
	c.mu.Unlock()

	logger.WithField("topic", topic).Info("subscribing")
	if c.conn != nil && c.conn.IsConnected() {
		if err := c.send("SUBSCRIBE", []string{topic}); err != nil {
			c.unsubscribe(topic, entry)
			return nil, fmt.Errorf("failed to send subscribe msg for topic=%s: %w", topic, err)
		}
	}

	return &domain.StreamSubscription[[]byte]{
		Stream: entry.ch,
		Done:   entry.done,
		Unsubscribe: func() {
			c.unsubscribe(topic, entry)
		},
		Topic: topic,
	}, nil
}

func (c *BinanceStreamClient) unsubscribe(topic string, entry *subscriptionEntry) {
	entry.close()

	c.mu.Lock()
	current, ok := c.subscriptions[topic]
	if !ok || current != entry {
		c.mu.Unlock()
		return
	}
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	logger.WithField("topic", topic).Info("unsubscribing")
	if c.conn == nil || !c.conn.IsConnected() {
		return
	}
	if err := c.send("UNSUBSCRIBE", []string{topic}); err != nil {
		logger.WithError(err).WithField("topic", topic).Warn("failed to send unsubscribe msg")
	}
}

// Watch returns the connection events of this client. Call stop once the
// events are no longer read.
func (c *BinanceStreamClient) Watch() (<-chan domain.ConnectionEvent, func()) {
	return c.state.Watch()
}

// Reconnect drops the current connection and waits for the next one.
func (c *BinanceStreamClient) Reconnect() error {
	if c.conn == nil {
		return ErrClientClosed
	}

	epoch := c.state.Epoch()
	logger.Warn("forcing reconnect")
	c.conn.CloseAndReconnect()

	if !c.state.WaitConnectedSince(epoch, reconnectTimeout, c.closed) {
		select {
		case <-c.closed:
			return ErrClientClosed
		default:
			return ErrReconnectTimeout
		}
	}
	return nil
}

func (c *BinanceStreamClient) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}

// onConnected runs on every successful dial of recws.
func (c *BinanceStreamClient) onConnected() error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	if len(topics) > 0 {
		if err := c.send("SUBSCRIBE", topics); err != nil {
			// the read loop notices the broken connection and recws dials again
			logger.WithError(err).Error("failed to resubscribe")
		}
	}

	if c.state.Connected() {
		logger.WithField("topics", len(topics)).Info("stream reconnected")
	}
	return nil
}

func (c *BinanceStreamClient) send(method string, params []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteJSON(WebSocketRequestModel{
		Method: method,
		ReqId:  helpers.RandomRequestID(),
		Params: params,
	})
}

func (c *BinanceStreamClient) read() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		epoch := c.state.Epoch()
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, recws.ErrNotConnected) && c.state.Disconnected(epoch) {
				logger.WithError(err).Warn("stream connection lost")
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *BinanceStreamClient) dispatch(msg []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		logger.WithError(err).WithField("message", string(msg)).Error("failed to decode stream message")
		return
	}

	if envelope.ID != nil {
		if envelope.Error != nil {
			logger.WithFields(logrus.Fields{
				"id":   *envelope.ID,
				"code": envelope.Error.Code,
			}).Error(envelope.Error.Msg)
		} else {
			logger.WithField("id", *envelope.ID).Debug("request acknowledged")
		}
		return
	}

	if envelope.Stream == "" {
		return
	}

	c.mu.Lock()
	entry, ok := c.subscriptions[envelope.Stream]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case entry.ch <- envelope.Data:
	case <-entry.done:
	case <-c.closed:
	}
}
