package kucoin

import (
	"encoding/json"
	"fmt"

	"github.com/spooky-finn/orderbook-sync/domain"
)

type DepthUpdateSubscription = domain.StreamSubscription[domain.ProcessBufferEntry]

// DepthUpdateModel is a level2 market data message. Every change is
// [price, size, sequence].
type DepthUpdateModel struct {
	Changes       OrderBookChanges `json:"changes"`
	SequenceEnd   int64            `json:"sequenceEnd"`
	SequenceStart int64            `json:"sequenceStart"`
	Symbol        string           `json:"symbol"`
	Time          int64            `json:"time"`
}

type OrderBookChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

func (m *DepthUpdateModel) ToBufferEntry() (domain.ProcessBufferEntry, error) {
	asks, err := domain.ParseProcessEntries(domain.SideAsk, m.Changes.Asks)
	if err != nil {
		return domain.ProcessBufferEntry{}, err
	}
	bids, err := domain.ParseProcessEntries(domain.SideBid, m.Changes.Bids)
	if err != nil {
		return domain.ProcessBufferEntry{}, err
	}

	return domain.ProcessBufferEntry{
		FirstSequence: m.SequenceStart,
		LastSequence:  m.SequenceEnd,
		Entries:       append(asks, bids...),
	}, nil
}

type KucoinStreamAPI struct {
	wc *KucoinStreamClient
}

func NewKucoinStreamAPI(wc *KucoinStreamClient) *KucoinStreamAPI {
	return &KucoinStreamAPI{
		wc: wc,
	}
}

func Level2Topic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("/market/level2:%s", symbol.Upper("-"))
}

func (s *KucoinStreamAPI) DepthDiffStream(symbol *domain.MarketSymbol) (*DepthUpdateSubscription, error) {
	topic := Level2Topic(symbol)
	raw, err := s.wc.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.ProcessBufferEntry)
	log := logger.WithField("topic", topic)

	go func() {
		for {
			select {
			case <-raw.Done:
				return
			case msg := <-raw.Stream:
				message := &DepthUpdateModel{}
				if err := json.Unmarshal(msg, message); err != nil {
					log.WithError(err).Error("error unmarshaling level2 message")
					continue
				}
				update, err := message.ToBufferEntry()
				if err != nil {
					log.WithError(err).Error("malformed level2 message")
					continue
				}

				select {
				case out <- update:
				case <-raw.Done:
					return
				}
			}
		}
	}()

	return &DepthUpdateSubscription{
		Stream:      out,
		Done:        raw.Done,
		Unsubscribe: raw.Unsubscribe,
		Topic:       topic,
	}, nil
}

func (s *KucoinStreamAPI) Watch() (<-chan domain.ConnectionEvent, func()) {
	return s.wc.Watch()
}

func (s *KucoinStreamAPI) Reconnect() error {
	return s.wc.Reconnect()
}
