package kucoin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/recws-org/recws"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/helpers"
)

const (
	defaultPingInterval = 18 * time.Second
	reconnectTimeout    = 10 * time.Second
	topicBufferSize     = 256
)

var (
	ErrTopicTaken       = errors.New("topic already has a subscriber")
	ErrClientClosed     = errors.New("stream client is closed")
	ErrReconnectTimeout = errors.New("timed out waiting for the stream to reconnect")
)

type TokenSource interface {
	WsConnOpts() (*kucoin.WebSocketTokenModel, error)
}

type topicEntry struct {
	ch   chan json.RawMessage
	done chan struct{}
	once sync.Once
}

func (e *topicEntry) close() {
	e.once.Do(func() { close(e.done) })
}

// KucoinStreamClient is the public websocket feed. The endpoint and token
// come from the bullet-public REST call, recws redials the same endpoint.
type KucoinStreamClient struct {
	tokens           TokenSource
	handshakeTimeout time.Duration
	reconnectMin     time.Duration
	reconnectMax     time.Duration
	pingInterval     time.Duration

	conn    *recws.RecConn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]*topicEntry

	state  helpers.ConnectionTracker
	closed chan struct{}
	once   sync.Once
}

func NewKucoinStreamClient(tokens TokenSource) *KucoinStreamClient {
	return &KucoinStreamClient{
		tokens:           tokens,
		handshakeTimeout: 5 * time.Second,
		reconnectMin:     2 * time.Second,
		reconnectMax:     30 * time.Second,
		pingInterval:     defaultPingInterval,
		topics:           make(map[string]*topicEntry),
		closed:           make(chan struct{}),
	}
}

func (c *KucoinStreamClient) Connect() error {
	opts, err := c.tokens.WsConnOpts()
	if err != nil {
		return err
	}

	server := opts.Servers[0]
	if server.PingInterval > 0 {
		c.pingInterval = time.Duration(server.PingInterval) * time.Millisecond
	}
	endpoint := fmt.Sprintf("%s?token=%s&connectId=%d", server.Endpoint, opts.Token, helpers.RandomRequestID())

	c.conn = &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshakeTimeout,
		RecIntvlMin:      c.reconnectMin,
		RecIntvlMax:      c.reconnectMax,
		SubscribeHandler: c.onConnected,
		NonVerbose:       true,
	}

	c.conn.Dial(endpoint, nil)
	go c.read()
	go c.ping()

	if !c.conn.IsConnected() {
		return fmt.Errorf("kucoin stream %s is not connected: %w", server.Endpoint, c.conn.GetDialError())
	}

	logger.WithField("endpoint", server.Endpoint).Info("connected to the kucoin stream websocket")
	return nil
}

// Subscribe registers the only consumer of topic and returns the data
// payloads of its messages.
func (c *KucoinStreamClient) Subscribe(topic string) (*domain.StreamSubscription[json.RawMessage], error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	c.mu.Lock()
	if _, ok := c.topics[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicTaken, topic)
	}
	entry := &topicEntry{
		ch:   make(chan json.RawMessage, topicBufferSize),
		done: make(chan struct{}),
	}
	c.topics[topic] = entry
	c.mu.Unlock()

	logger.WithField("topic", topic).Info("subscribing")
	if c.conn != nil && c.conn.IsConnected() {
		if err := c.write(kucoin.NewSubscribeMessage(topic, false)); err != nil {
			c.unsubscribe(topic, entry)
			return nil, fmt.Errorf("failed to send subscribe msg for topic=%s: %w", topic, err)
		}
	}

	return &domain.StreamSubscription[json.RawMessage]{
		Stream:      entry.ch,
		Done:        entry.done,
		Unsubscribe: func() { c.unsubscribe(topic, entry) },
		Topic:       topic,
	}, nil
}

func (c *KucoinStreamClient) unsubscribe(topic string, entry *topicEntry) {
	entry.close()

	c.mu.Lock()
	if current, ok := c.topics[topic]; !ok || current != entry {
		c.mu.Unlock()
		return
	}
	delete(c.topics, topic)
	c.mu.Unlock()

	logger.WithField("topic", topic).Info("unsubscribing")
	if c.conn == nil || !c.conn.IsConnected() {
		return
	}
	if err := c.write(kucoin.NewUnsubscribeMessage(topic, false)); err != nil {
		logger.WithError(err).WithField("topic", topic).Warn("failed to send unsubscribe msg")
	}
}

func (c *KucoinStreamClient) Watch() (<-chan domain.ConnectionEvent, func()) {
	return c.state.Watch()
}

// Reconnect drops the current connection and waits for the next one.
func (c *KucoinStreamClient) Reconnect() error {
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

func (c *KucoinStreamClient) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}

func (c *KucoinStreamClient) onConnected() error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.write(kucoin.NewSubscribeMessage(topic, false)); err != nil {
			logger.WithError(err).WithField("topic", topic).Error("failed to resubscribe")
			break
		}
	}

	if c.state.Connected() {
		logger.WithField("topics", len(topics)).Info("stream reconnected")
	}
	return nil
}

func (c *KucoinStreamClient) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *KucoinStreamClient) ping() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if !c.conn.IsConnected() {
				continue
			}
			if err := c.write(kucoin.NewPingMessage()); err != nil {
				logger.WithError(err).Warn("failed to send ping")
			}
		}
	}
}

func (c *KucoinStreamClient) read() {
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

func (c *KucoinStreamClient) dispatch(msg []byte) {
	m := &kucoin.WebSocketDownstreamMessage{}
	if err := json.Unmarshal(msg, m); err != nil {
		logger.WithError(err).WithField("message", string(msg)).Error("failed to decode stream message")
		return
	}
	if m.WebSocketMessage == nil {
		return
	}

	switch m.Type {
	case kucoin.WelcomeMessage, kucoin.PongMessage:
		return
	case kucoin.AckMessage:
		logger.WithField("id", m.Id).Debug("request acknowledged")
		return
	case kucoin.ErrorMessage:
		logger.WithFields(logrus.Fields{"id": m.Id, "data": string(m.RawData)}).Error("kucoin stream error")
		return
	case kucoin.Message:
	default:
		return
	}

	c.mu.Lock()
	entry, ok := c.topics[m.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case entry.ch <- m.RawData:
	case <-entry.done:
	case <-c.closed:
	}
}
