package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

type Side int

const (
	SideAsk Side = iota
	SideBid
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// OrderBookEntry is one price level. Within a side the price is its identity,
// a zero quantity means the level is gone.
type OrderBookEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func NewOrderBookEntry(price, quantity string) (OrderBookEntry, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return OrderBookEntry{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return OrderBookEntry{}, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	return OrderBookEntry{Price: p, Quantity: q}, nil
}

// IsZero reports whether e is the sentinel returned for an empty side.
// It is never a real price level.
func (e OrderBookEntry) IsZero() bool {
	return e.Price.IsZero() && e.Quantity.IsZero()
}

func (e OrderBookEntry) Equal(other OrderBookEntry) bool {
	return e.Price.Equal(other.Price) && e.Quantity.Equal(other.Quantity)
}

// ProcessEntry is one instruction of an update batch. Sequence is optional,
// when set the entry is skipped if the book is already past it.
type ProcessEntry struct {
	Side     Side
	Entry    OrderBookEntry
	Sequence int64
}

// ProcessBufferEntry is an update batch waiting for a baseline.
type ProcessBufferEntry struct {
	FirstSequence int64
	LastSequence  int64
	Entries       []ProcessEntry
}

// OrderBookSnapshot is the serializable view handed to RPC clients.
// UpdatedAt is only set for local books.
type OrderBookSnapshot struct {
	Source       OrderBookSource `json:"source"`
	Status       Status          `json:"status"`
	LastUpdateId int64           `json:"lastUpdateId"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Bids         [][]string      `json:"bids"`
	Asks         [][]string      `json:"asks"`
}

// bookSide is one unordered half of the book keyed by the canonical price string.
type bookSide struct {
	levels     map[string]OrderBookEntry
	count      int
	descending bool
}

func newBookSide(descending bool) *bookSide {
	return &bookSide{
		levels:     make(map[string]OrderBookEntry),
		descending: descending,
	}
}

func (s *bookSide) apply(price, quantity decimal.Decimal) {
	key := price.String()
	existing, ok := s.levels[key]

	if quantity.IsZero() {
		if ok {
			delete(s.levels, key)
			s.count--
		}
		return
	}

	if ok {
		existing.Quantity = quantity
		s.levels[key] = existing
		return
	}

	s.levels[key] = OrderBookEntry{Price: price, Quantity: quantity}
	s.count++
}

func (s *bookSide) replace(entries []OrderBookEntry) {
	s.levels = make(map[string]OrderBookEntry, len(entries))
	s.count = 0
	for _, e := range entries {
		s.apply(e.Price, e.Quantity)
	}
}

func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.descending {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *bookSide) sorted() []OrderBookEntry {
	result := make([]OrderBookEntry, 0, len(s.levels))
	for _, level := range s.levels {
		result = append(result, level)
	}

	sort.Slice(result, func(i, j int) bool {
		return s.better(result[i].Price, result[j].Price)
	})

	return result
}

func (s *bookSide) best() OrderBookEntry {
	var best OrderBookEntry
	found := false
	for _, level := range s.levels {
		if !found || s.better(level.Price, best.Price) {
			best = level
			found = true
		}
	}
	return best
}

func limitDepth(depth []OrderBookEntry, limit int) []OrderBookEntry {
	if limit > 0 && len(depth) > limit {
		return depth[:limit]
	}

	return depth
}

// ParsePriceLevels converts exchange [price, quantity, ...] pairs into entries.
func ParsePriceLevels(depth [][]string) ([]OrderBookEntry, error) {
	result := make([]OrderBookEntry, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			return nil, fmt.Errorf("malformed price level %v", level)
		}
		entry, err := NewOrderBookEntry(level[0], level[1])
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}

	return result, nil
}

// ParseProcessEntries converts the levels of one side of an update batch.
// A third element, when present, is the per-entry sequence.
func ParseProcessEntries(side Side, depth [][]string) ([]ProcessEntry, error) {
	result := make([]ProcessEntry, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			return nil, fmt.Errorf("malformed %s level %v", side, level)
		}
		entry, err := NewOrderBookEntry(level[0], level[1])
		if err != nil {
			return nil, err
		}

		var seq int64
		if len(level) > 2 && level[2] != "" {
			seq, err = strconv.ParseInt(level[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence %q: %w", level[2], err)
			}
		}

		result = append(result, ProcessEntry{Side: side, Entry: entry, Sequence: seq})
	}

	return result, nil
}

func serializePriceLevel(depth []OrderBookEntry) [][]string {
	result := make([][]string, len(depth))
	for i, level := range depth {
		result[i] = []string{level.Price.String(), level.Quantity.String()}
	}

	return result
}
