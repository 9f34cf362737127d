package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
)

var logger = logrus.WithField("component", "kafka")

const queueSize = 1024

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type StatusEvent struct {
	Provider string        `json:"provider"`
	Symbol   string        `json:"symbol"`
	From     domain.Status `json:"from"`
	To       domain.Status `json:"to"`
	Time     time.Time     `json:"time"`
}

func (e StatusEvent) Key() string {
	return e.Provider + ":" + e.Symbol
}

// StatusPublisher sends status transitions of the books to a topic. Events
// are queued so a slow broker never holds up an order book, the queue drops
// events once it is full.
type StatusPublisher struct {
	writer MessageWriter
	queue  chan StatusEvent
	done   chan struct{}
	once   sync.Once
}

func NewStatusPublisher(brokers []string, topic string) *StatusPublisher {
	return NewStatusPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

func NewStatusPublisherWithWriter(w MessageWriter) *StatusPublisher {
	return &StatusPublisher{
		writer: w,
		queue:  make(chan StatusEvent, queueSize),
		done:   make(chan struct{}),
	}
}

// StatusListener returns a status change listener for one book.
func (p *StatusPublisher) StatusListener(provider string, symbol *domain.MarketSymbol) func(old, new domain.Status) {
	s := symbol.String()
	return func(old, new domain.Status) {
		p.Enqueue(StatusEvent{
			Provider: provider,
			Symbol:   s,
			From:     old,
			To:       new,
			Time:     time.Now().UTC(),
		})
	}
}

func (p *StatusPublisher) Enqueue(ev StatusEvent) {
	select {
	case p.queue <- ev:
	default:
		logger.WithField("key", ev.Key()).Warn("status event queue is full, event dropped")
	}
}

func (p *StatusPublisher) Publish(ctx context.Context, ev StatusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Time:  ev.Time,
	})
}

// Run publishes queued events until ctx is done.
func (p *StatusPublisher) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.Publish(ctx, ev); err != nil {
				logger.WithError(err).WithField("key", ev.Key()).Error("failed to publish status event")
			}
		}
	}
}

// Close waits for Run to return, publishes what is still queued with ctx
// and closes the writer. Events enqueued after Run stopped, like the final
// transitions of books stopped on shutdown, are delivered here.
func (p *StatusPublisher) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		p.drain(ctx)
		err = p.writer.Close()
	})
	return err
}

func (p *StatusPublisher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			if err := p.Publish(ctx, ev); err != nil {
				logger.WithError(err).WithField("key", ev.Key()).Error("failed to publish status event")
			}
		default:
			return
		}
	}
}
