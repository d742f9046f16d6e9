package index

import (
	"hash/fnv"
	"sync"
	"time"

	"arbflow/internal/book"
	"arbflow/internal/market"
)

const shardCount = 32

// MarketIndex is the global concurrent map from Key to per-instrument market
// state. It is sharded by key hash; each shard allows many concurrent
// readers while writes serialize per shard. Cross-shard aggregation is
// snapshot-consistent per key but not globally atomic: callers tolerate
// sub-millisecond skew between venues.
type MarketIndex struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[market.Key]*entry
}

type entry struct {
	ticker     market.Ticker
	hasTicker  bool
	book       *book.OrderBook
	funding    market.FundingRecord
	hasFunding bool
}

// New returns an empty index.
func New() *MarketIndex {
	idx := &MarketIndex{}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[market.Key]*entry)
	}
	return idx
}

func (m *MarketIndex) shardFor(k market.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte{byte(k.Venue), byte(k.Instrument)})
	h.Write([]byte(k.Symbol))
	return &m.shards[h.Sum32()%shardCount]
}

func (s *shard) get(k market.Key) *entry {
	e, ok := s.entries[k]
	if !ok {
		e = &entry{book: book.New()}
		s.entries[k] = e
	}
	return e
}

// UpsertTicker replaces the ticker for a key, creating the entry on first
// use.
func (m *MarketIndex) UpsertTicker(k market.Key, t market.Ticker) {
	s := m.shardFor(k)
	s.mu.Lock()
	e := s.get(k)
	e.ticker = t
	e.hasTicker = true
	if t.HasFunding {
		e.funding.Rate = t.FundingRate
		e.funding.Timestamp = t.Timestamp
		e.hasFunding = true
	}
	s.mu.Unlock()
}

// UpsertFunding records the funding state for a perpetual key.
func (m *MarketIndex) UpsertFunding(k market.Key, f market.FundingRecord) {
	s := m.shardFor(k)
	s.mu.Lock()
	e := s.get(k)
	e.funding = f
	e.hasFunding = true
	s.mu.Unlock()
}

// ApplyBookSnapshot forwards a snapshot to the key's order book, creating it
// on first use.
func (m *MarketIndex) ApplyBookSnapshot(k market.Key, bids, asks []market.PriceLevel, seq int64, ts time.Time) error {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(k).book.ApplySnapshot(bids, asks, seq, ts)
}

// ApplyBookDelta forwards a delta to the key's order book. A book.ErrDesync
// result means the book was cleared and the caller must request a resync
// from the venue.
func (m *MarketIndex) ApplyBookDelta(k market.Key, bids, asks []market.PriceLevel, seq int64, ts time.Time) error {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(k).book.ApplyDelta(bids, asks, seq, ts)
}

// ApplyTrade records the last trade for a key.
func (m *MarketIndex) ApplyTrade(k market.Key, t market.TradeRecord) {
	s := m.shardFor(k)
	s.mu.Lock()
	s.get(k).book.RecordTrade(t)
	s.mu.Unlock()
}

// GetTicker copies the ticker out.
func (m *MarketIndex) GetTicker(k market.Key) (market.Ticker, bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok || !e.hasTicker {
		return market.Ticker{}, false
	}
	return e.ticker, true
}

// GetFunding copies the funding record out.
func (m *MarketIndex) GetFunding(k market.Key) (market.FundingRecord, bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok || !e.hasFunding {
		return market.FundingRecord{}, false
	}
	return e.funding, true
}

// GetBookView copies the order book state for a key. The writer is blocked
// only for the duration of the copy.
func (m *MarketIndex) GetBookView(k market.Key) (book.View, bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok {
		return book.View{}, false
	}
	return e.book.Snapshot(), true
}

// TopOfBook reads the seqlock-published best bid/ask. The shard read lock is
// held only for the entry lookup, not while the quote is read. Intended for
// hot-path aggregation.
func (m *MarketIndex) TopOfBook(k market.Key) (bid, bidQty, ask, askQty float64, ok bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	e, found := s.entries[k]
	s.mu.RUnlock()
	if !found {
		return 0, 0, 0, 0, false
	}
	return e.book.TopOfBook()
}

// RemoveKey drops the entry for a key, used on unsubscribe.
func (m *MarketIndex) RemoveKey(k market.Key) {
	s := m.shardFor(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

// RemoveVenue drops every entry belonging to a venue, removing it from
// aggregation after the venue is marked failed or torn down.
func (m *MarketIndex) RemoveVenue(v market.Venue) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.entries {
			if k.Venue == v {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Keys returns every key currently present for a (symbol, instrument) pair,
// in fixed venue order.
func (m *MarketIndex) Keys(sym market.Symbol, kind market.InstrumentKind) []market.Key {
	var keys []market.Key
	for _, v := range market.Venues {
		k := market.Key{Venue: v, Symbol: sym, Instrument: kind}
		s := m.shardFor(k)
		s.mu.RLock()
		_, ok := s.entries[k]
		s.mu.RUnlock()
		if ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len reports the total number of entries, for diagnostics.
func (m *MarketIndex) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
