package domain

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "orderbook")

type OrderBookOptions struct {
	// The provider guarantees every batch starts right after the previous one.
	// A gap then means the stream cannot be trusted and forces a reconnect.
	SequencesAreConsecutive bool

	ResyncBackoffMin time.Duration
	ResyncBackoffMax time.Duration
}

func DefaultOrderBookOptions() OrderBookOptions {
	return OrderBookOptions{
		SequencesAreConsecutive: true,
		ResyncBackoffMin:        100 * time.Millisecond,
		ResyncBackoffMax:        10 * time.Second,
	}
}

// SyncedOrderBook is a local replica of one exchange order book kept in sync
// from a snapshot plus a sequenced update stream.
//
// mu guards everything below it: status, both sides, the update buffer and
// the sequence number are changed together or not at all.
type SyncedOrderBook struct {
	provider string
	symbol   *MarketSymbol
	source   OrderBookProvider
	opts     OrderBookOptions
	log      *logrus.Entry

	mu                 sync.Mutex
	status             Status
	asks               *bookSide
	bids               *bookSide
	buffer             *UpdateBuffer
	lastSequenceNumber int64
	lastUpdateTime     time.Time
	bookSet            bool
	stopped            bool
	bestBid            OrderBookEntry
	bestAsk            OrderBookEntry

	subscription     Subscription
	cancel           context.CancelFunc
	resyncGeneration uint64
	pendingReconnect bool

	statusListeners     []func(old, new Status)
	bestOffersListeners []func(bid, ask OrderBookEntry)
}

func NewSyncedOrderBook(provider string, symbol *MarketSymbol, source OrderBookProvider, opts OrderBookOptions) *SyncedOrderBook {
	defaults := DefaultOrderBookOptions()
	if opts.ResyncBackoffMin <= 0 {
		opts.ResyncBackoffMin = defaults.ResyncBackoffMin
	}
	if opts.ResyncBackoffMax < opts.ResyncBackoffMin {
		opts.ResyncBackoffMax = defaults.ResyncBackoffMax
	}

	return &SyncedOrderBook{
		provider: provider,
		symbol:   symbol,
		source:   source,
		opts:     opts,
		log:      logger.WithFields(logrus.Fields{"provider": provider, "symbol": symbol.String()}),

		status: StatusDisconnected,
		asks:   newBookSide(false),
		bids:   newBookSide(true),
		buffer: NewUpdateBuffer(),
	}
}

func (ob *SyncedOrderBook) Provider() string {
	return ob.provider
}

func (ob *SyncedOrderBook) Symbol() *MarketSymbol {
	return ob.symbol
}

// SetInitialOrderBook installs a snapshot taken at sequence. Snapshots that
// arrive while the book is still connecting are dropped, the provider has not
// finished wiring the live stream yet.
func (ob *SyncedOrderBook) SetInitialOrderBook(sequence int64, asks, bids []OrderBookEntry) {
	ob.mu.Lock()
	if ob.stopped {
		ob.mu.Unlock()
		ob.log.WithField("sequence", sequence).Debug("snapshot ignored, order book is stopped")
		return
	}
	if ob.status == StatusConnecting {
		ob.mu.Unlock()
		ob.log.WithField("sequence", sequence).Debug("snapshot ignored while connecting")
		return
	}

	if sequence < ob.lastSequenceNumber {
		ob.log.WithFields(logrus.Fields{
			"sequence": sequence,
			"previous": ob.lastSequenceNumber,
		}).Warn("snapshot is older than the last applied update")
	}

	ob.asks.replace(asks)
	ob.bids.replace(bids)
	ob.lastSequenceNumber = sequence
	ob.lastUpdateTime = time.Now()
	ob.bookSet = true
	buffered := ob.buffer.Len()
	ob.drainBufferLocked()
	notify := ob.checkBestOffersLocked()
	last := ob.lastSequenceNumber
	ob.mu.Unlock()

	ob.log.WithFields(logrus.Fields{
		"sequence": sequence,
		"buffered": buffered,
		"last":     last,
		"asks":     len(asks),
		"bids":     len(bids),
	}).Info("snapshot installed")
	notify()
}

// SubmitUpdateBatch feeds one batch of the live stream covering the sequence
// range [firstSequence, lastSequence].
//
// On a gap with consecutive sequences the batch is dropped, the book goes
// back to connecting and the subscription is reconnected. The call blocks
// until the reconnect returns. Batches that arrive after Stop are dropped.
func (ob *SyncedOrderBook) SubmitUpdateBatch(firstSequence, lastSequence int64, entries []ProcessEntry) {
	ob.mu.Lock()

	if ob.stopped {
		ob.mu.Unlock()
		ob.log.WithFields(logrus.Fields{"first": firstSequence, "last": lastSequence}).Debug("update dropped, order book is stopped")
		return
	}

	if lastSequence < ob.lastSequenceNumber {
		ob.mu.Unlock()
		ob.log.WithFields(logrus.Fields{"first": firstSequence, "last": lastSequence}).Debug("outdated update dropped")
		return
	}

	if !ob.bookSet {
		ob.buffer.Push(ProcessBufferEntry{
			FirstSequence: firstSequence,
			LastSequence:  lastSequence,
			Entries:       entries,
		})
		buffered := ob.buffer.Len()
		ob.mu.Unlock()
		ob.log.WithFields(logrus.Fields{
			"first":    firstSequence,
			"last":     lastSequence,
			"buffered": buffered,
		}).Debug("update buffered until snapshot")
		return
	}

	if ob.opts.SequencesAreConsecutive &&
		ValidateSequence(firstSequence, lastSequence, ob.lastSequenceNumber) == ErrUpdateOutOfSequence {
		expected := ob.lastSequenceNumber + 1
		if ob.status == StatusDisconnected {
			ob.buffer.Clear()
			ob.bookSet = false
			ob.mu.Unlock()
			ob.log.WithFields(logrus.Fields{
				"first":    firstSequence,
				"expected": expected,
			}).Warn("sequence gap detected, waiting for a new snapshot")
			return
		}

		notify := ob.resetLocked()
		sub := ob.subscription
		if sub == nil {
			ob.pendingReconnect = true
		}
		ob.mu.Unlock()

		ob.log.WithFields(logrus.Fields{
			"first":    firstSequence,
			"expected": expected,
		}).Warn("sequence gap detected, reconnecting")
		notify()
		ob.reconnect(sub)
		return
	}

	ob.applyBatchLocked(entries, lastSequence)
	ob.drainBufferLocked()
	notify := ob.checkBestOffersLocked()
	ob.mu.Unlock()

	ob.log.WithFields(logrus.Fields{
		"first":   firstSequence,
		"last":    lastSequence,
		"entries": len(entries),
	}).Debug("update applied")
	notify()
}

// ApplyEntry sets the quantity of one price level, a zero quantity removes it.
func (ob *SyncedOrderBook) ApplyEntry(side Side, price, quantity decimal.Decimal) {
	ob.mu.Lock()
	ob.applyEntryLocked(side, price, quantity)
	notify := ob.checkBestOffersLocked()
	ob.mu.Unlock()
	notify()
}

// DrainBuffer applies every buffered batch that abuts the current sequence.
func (ob *SyncedOrderBook) DrainBuffer() {
	ob.mu.Lock()
	if ob.bookSet {
		ob.drainBufferLocked()
	}
	notify := ob.checkBestOffersLocked()
	ob.mu.Unlock()
	notify()
}

func (ob *SyncedOrderBook) applyEntryLocked(side Side, price, quantity decimal.Decimal) {
	if side == SideBid {
		ob.bids.apply(price, quantity)
	} else {
		ob.asks.apply(price, quantity)
	}
}

func (ob *SyncedOrderBook) applyBatchLocked(entries []ProcessEntry, lastSequence int64) {
	for _, e := range entries {
		if e.Sequence != 0 && e.Sequence <= ob.lastSequenceNumber {
			continue
		}
		ob.applyEntryLocked(e.Side, e.Entry.Price, e.Entry.Quantity)
	}

	if lastSequence > ob.lastSequenceNumber {
		ob.lastSequenceNumber = lastSequence
	}
	ob.lastUpdateTime = time.Now()
}

func (ob *SyncedOrderBook) drainBufferLocked() {
	for ob.buffer.Len() > 0 {
		next := ob.buffer.Front()

		switch ValidateSequence(next.FirstSequence, next.LastSequence, ob.lastSequenceNumber) {
		case ErrUpdateOutdated:
			ob.buffer.PopFront()
			continue
		case ErrUpdateOutOfSequence:
			return
		}

		ob.buffer.PopFront()
		ob.applyBatchLocked(next.Entries, next.LastSequence)
	}
}

func (ob *SyncedOrderBook) checkBestOffersLocked() func() {
	if len(ob.bestOffersListeners) == 0 {
		return func() {}
	}

	bid, ask := ob.bids.best(), ob.asks.best()
	if bid.Equal(ob.bestBid) && ask.Equal(ob.bestAsk) {
		return func() {}
	}
	ob.bestBid, ob.bestAsk = bid, ask

	listeners := append([]func(bid, ask OrderBookEntry){}, ob.bestOffersListeners...)
	return func() {
		for _, l := range listeners {
			l(bid, ask)
		}
	}
}

// OnBestOffersChanged registers fn to be called whenever the best bid or the
// best ask changes.
func (ob *SyncedOrderBook) OnBestOffersChanged(fn func(bid, ask OrderBookEntry)) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if len(ob.bestOffersListeners) == 0 {
		ob.bestBid, ob.bestAsk = ob.bids.best(), ob.asks.best()
	}
	ob.bestOffersListeners = append(ob.bestOffersListeners, fn)
}

// Asks returns a copy of the ask side, lowest price first.
func (ob *SyncedOrderBook) Asks() []OrderBookEntry {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.asks.sorted()
}

// Bids returns a copy of the bid side, highest price first.
func (ob *SyncedOrderBook) Bids() []OrderBookEntry {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.sorted()
}

// BestBid returns the highest bid, or the zero entry when there are no bids.
func (ob *SyncedOrderBook) BestBid() OrderBookEntry {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.best()
}

// BestAsk returns the lowest ask, or the zero entry when there are no asks.
func (ob *SyncedOrderBook) BestAsk() OrderBookEntry {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.asks.best()
}

// BestOffers returns the best bid and ask from the same state of the book.
func (ob *SyncedOrderBook) BestOffers() (bid OrderBookEntry, ask OrderBookEntry) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.best(), ob.asks.best()
}

func (ob *SyncedOrderBook) AskCount() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.asks.count
}

func (ob *SyncedOrderBook) BidCount() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.count
}

func (ob *SyncedOrderBook) LastSequenceNumber() int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastSequenceNumber
}

func (ob *SyncedOrderBook) LastUpdateTime() time.Time {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastUpdateTime
}

func (ob *SyncedOrderBook) BufferedUpdates() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.buffer.Len()
}

// TakeSnapshot returns both sides in presentation order, at most limit levels
// each when limit is positive.
func (ob *SyncedOrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return &OrderBookSnapshot{
		Source:       OrderBookSource_LocalOrderBook,
		Status:       ob.status,
		LastUpdateId: ob.lastSequenceNumber,
		UpdatedAt:    ob.lastUpdateTime,
		Bids:         serializePriceLevel(limitDepth(ob.bids.sorted(), limit)),
		Asks:         serializePriceLevel(limitDepth(ob.asks.sorted(), limit)),
	}
}
