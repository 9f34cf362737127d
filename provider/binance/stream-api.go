package binance

import (
	"encoding/json"
	"fmt"

	"github.com/spooky-finn/orderbook-sync/domain"
)

type DepthUpdateSubscription = domain.StreamSubscription[domain.ProcessBufferEntry]

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ToBufferEntry converts a diff depth event to an update batch.
func (d *DepthUpdateData) ToBufferEntry() (domain.ProcessBufferEntry, error) {
	asks, err := domain.ParseProcessEntries(domain.SideAsk, d.Asks)
	if err != nil {
		return domain.ProcessBufferEntry{}, err
	}
	bids, err := domain.ParseProcessEntries(domain.SideBid, d.Bids)
	if err != nil {
		return domain.ProcessBufferEntry{}, err
	}

	return domain.ProcessBufferEntry{
		FirstSequence: d.FirstUpdateId,
		LastSequence:  d.FinalUpdateId,
		Entries:       append(asks, bids...),
	}, nil
}

type BinanceStreamAPI struct {
	streamClient *BinanceStreamClient
}

func NewBinanceStreamAPI(client *BinanceStreamClient) *BinanceStreamAPI {
	return &BinanceStreamAPI{
		streamClient: client,
	}
}

func DepthTopic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("%s@depth@100ms", symbol.Join(""))
}

// DepthDiffStream subscribes to the diff depth stream of symbol. Malformed
// events are logged and skipped.
func (bs *BinanceStreamAPI) DepthDiffStream(symbol *domain.MarketSymbol) (*DepthUpdateSubscription, error) {
	topic := DepthTopic(symbol)
	raw, err := bs.streamClient.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	s := make(chan domain.ProcessBufferEntry)
	log := logger.WithField("topic", topic)

	go func() {
		for {
			select {
			case <-raw.Done:
				return
			case msg := <-raw.Stream:
				var data DepthUpdateData
				if err := json.Unmarshal(msg, &data); err != nil {
					log.WithError(err).Error("failed to unmarshal depth update")
					continue
				}
				update, err := data.ToBufferEntry()
				if err != nil {
					log.WithError(err).Error("malformed depth update")
					continue
				}

				select {
				case s <- update:
				case <-raw.Done:
					return
				}
			}
		}
	}()

	return &DepthUpdateSubscription{
		Stream:      s,
		Done:        raw.Done,
		Unsubscribe: raw.Unsubscribe,
		Topic:       topic,
	}, nil
}

func (bs *BinanceStreamAPI) Watch() (<-chan domain.ConnectionEvent, func()) {
	return bs.streamClient.Watch()
}

func (bs *BinanceStreamAPI) Reconnect() error {
	return bs.streamClient.Reconnect()
}
