package book

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"arbflow/internal/market"
)

// ErrDesync is returned when a delta cannot be applied consistently: a
// sequence gap, a delta against an uninitialized book, or a delta that would
// cross the book. The owning adapter must re-request a snapshot.
var ErrDesync = errors.New("order book desync")

// ErrStaleUpdate is returned when a snapshot older than the current book
// state is discarded.
var ErrStaleUpdate = errors.New("stale order book update")

// OrderBook holds one side-sorted ladder per side for a single key. Bids are
// kept in descending price order, asks ascending. A book is mutated only by
// the ingest goroutine of its venue; readers take copies under the index
// shard lock or use the seqlock-protected top-of-book cache which never
// blocks the writer.
type OrderBook struct {
	bids []market.PriceLevel
	asks []market.PriceLevel

	lastUpdate  time.Time
	lastSeq     int64
	hasSeq      bool
	initialized bool

	lastTrade market.TradeRecord
	hasTrade  bool

	// top-of-book cache published under an even/odd sequence so concurrent
	// readers can retry instead of blocking the writer.
	topSeq atomic.Uint64
	top    [4]float64 // bidPx, bidQty, askPx, askQty
}

// New returns an empty, uninitialized book.
func New() *OrderBook {
	return &OrderBook{}
}

// Initialized reports whether a snapshot has been applied since creation or
// the last desync.
func (b *OrderBook) Initialized() bool { return b.initialized }

// LastUpdate returns the timestamp of the last applied snapshot or delta.
func (b *OrderBook) LastUpdate() time.Time { return b.lastUpdate }

// LastSeq returns the venue sequence of the last applied update and whether
// the venue provides one.
func (b *OrderBook) LastSeq() (int64, bool) { return b.lastSeq, b.hasSeq }

// ApplySnapshot replaces both sides. Snapshots older than the current book
// state are discarded with ErrStaleUpdate. Levels with non-positive quantity
// are dropped.
func (b *OrderBook) ApplySnapshot(bids, asks []market.PriceLevel, seq int64, ts time.Time) error {
	if b.initialized && ts.Before(b.lastUpdate) {
		return ErrStaleUpdate
	}

	b.bids = b.bids[:0]
	for _, l := range bids {
		if l.Quantity > market.Epsilon && l.Price >= 0 {
			b.bids = append(b.bids, l)
		}
	}
	b.asks = b.asks[:0]
	for _, l := range asks {
		if l.Quantity > market.Epsilon && l.Price >= 0 {
			b.asks = append(b.asks, l)
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })

	b.initialized = true
	b.lastSeq = seq
	b.hasSeq = seq > 0
	if ts.After(b.lastUpdate) {
		b.lastUpdate = ts
	}
	b.publishTop()
	return nil
}

// ApplyDelta applies changed levels to both sides. Quantity zero removes the
// price. When the venue provides sequence numbers the delta must be
// contiguous (seq == lastSeq+1); otherwise the book is cleared, marked
// uninitialized and ErrDesync is returned so the adapter can resync. A delta
// whose result would cross the book is treated the same way.
func (b *OrderBook) ApplyDelta(bids, asks []market.PriceLevel, seq int64, ts time.Time) error {
	if !b.initialized {
		return b.desync()
	}
	if b.hasSeq && seq > 0 && seq != b.lastSeq+1 {
		return b.desync()
	}

	for _, l := range bids {
		b.bids = applyLevel(b.bids, l, func(a, c float64) bool { return a > c })
	}
	for _, l := range asks {
		b.asks = applyLevel(b.asks, l, func(a, c float64) bool { return a < c })
	}

	if len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price >= b.asks[0].Price-market.Epsilon {
		return b.desync()
	}

	if seq > 0 {
		b.lastSeq = seq
		b.hasSeq = true
	}
	if ts.After(b.lastUpdate) {
		b.lastUpdate = ts
	}
	b.publishTop()
	return nil
}

// applyLevel inserts, replaces or removes one level in a slice sorted by the
// given price ordering.
func applyLevel(side []market.PriceLevel, l market.PriceLevel, before func(a, b float64) bool) []market.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		return !before(side[i].Price, l.Price)
	})
	exists := idx < len(side) && market.EpsEq(side[idx].Price, l.Price)

	if l.Quantity <= market.Epsilon {
		if exists {
			side = append(side[:idx], side[idx+1:]...)
		}
		return side
	}
	if exists {
		side[idx] = l
		return side
	}
	side = append(side, market.PriceLevel{})
	copy(side[idx+1:], side[idx:])
	side[idx] = l
	return side
}

func (b *OrderBook) desync() error {
	b.Clear()
	return ErrDesync
}

// Clear drops both sides and marks the book uninitialized. The sequence is
// reset so the next snapshot re-establishes it.
func (b *OrderBook) Clear() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	b.initialized = false
	b.lastSeq = 0
	b.hasSeq = false
	b.publishTop()
}

// RecordTrade keeps the last public trade for statistics. No book side
// effect.
func (b *OrderBook) RecordTrade(t market.TradeRecord) {
	b.lastTrade = t
	b.hasTrade = true
}

// LastTrade returns the most recent trade, if any was recorded.
func (b *OrderBook) LastTrade() (market.TradeRecord, bool) {
	return b.lastTrade, b.hasTrade
}

// BestBid returns the highest bid.
func (b *OrderBook) BestBid() (market.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return market.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *OrderBook) BestAsk() (market.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return market.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Top copies out up to n levels per side in natural order.
func (b *OrderBook) Top(n int) (bids, asks []market.PriceLevel) {
	if n > len(b.bids) {
		bids = append(bids, b.bids...)
	} else {
		bids = append(bids, b.bids[:n]...)
	}
	if n > len(b.asks) {
		asks = append(asks, b.asks...)
	} else {
		asks = append(asks, b.asks[:n]...)
	}
	return bids, asks
}

// Mid returns the midpoint of best bid and ask.
func (b *OrderBook) Mid() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Microprice returns the size-weighted mid:
// (bidPx*askSz + askPx*bidSz) / (bidSz + askSz).
func (b *OrderBook) Microprice() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	total := bid.Quantity + ask.Quantity
	if total <= market.Epsilon {
		return b.Mid()
	}
	return (bid.Price*ask.Quantity + ask.Price*bid.Quantity) / total, true
}

// SpreadBPS returns the bid/ask spread in basis points of the mid.
func (b *OrderBook) SpreadBPS() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 1e4, true
}

// Imbalance returns (sum bid qty - sum ask qty)/(sum bid qty + sum ask qty)
// over the top depth levels per side.
func (b *OrderBook) Imbalance(depth int) float64 {
	var bidQty, askQty float64
	for i, l := range b.bids {
		if i >= depth {
			break
		}
		bidQty += l.Quantity
	}
	for i, l := range b.asks {
		if i >= depth {
			break
		}
		askQty += l.Quantity
	}
	total := bidQty + askQty
	if total <= market.Epsilon {
		return 0
	}
	return (bidQty - askQty) / total
}

// VWAP sweeps the book best-first until target quantity is filled. A Buy
// sweeps asks, a Sell sweeps bids. It returns the average fill price, the
// filled quantity and whether the target was fully covered.
func (b *OrderBook) VWAP(side market.Side, target float64) (avg float64, filled float64, complete bool) {
	if target <= market.Epsilon {
		return 0, 0, true
	}
	levels := b.asks
	if side == market.Sell {
		levels = b.bids
	}

	var value float64
	for _, l := range levels {
		if filled >= target {
			break
		}
		take := target - filled
		if l.Quantity < take {
			take = l.Quantity
		}
		value += l.Price * take
		filled += take
	}
	if filled <= market.Epsilon {
		return 0, 0, false
	}
	return value / filled, filled, filled >= target-market.Epsilon
}

// Valid reports whether the book is initialized, both sides are populated
// and best bid is strictly below best ask.
func (b *OrderBook) Valid() bool {
	if !b.initialized || len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price < b.asks[0].Price
}

// publishTop stores the top of book under an even/odd seqlock. Writers bump
// to odd, write, bump to even; readers retry on odd or changed sequences.
func (b *OrderBook) publishTop() {
	b.topSeq.Add(1) // odd: write in progress
	if len(b.bids) > 0 {
		b.top[0], b.top[1] = b.bids[0].Price, b.bids[0].Quantity
	} else {
		b.top[0], b.top[1] = 0, 0
	}
	if len(b.asks) > 0 {
		b.top[2], b.top[3] = b.asks[0].Price, b.asks[0].Quantity
	} else {
		b.top[2], b.top[3] = 0, 0
	}
	b.topSeq.Add(1) // even: consistent
}

// TopOfBook returns the published best bid/ask without taking any lock.
// Callers may race with a writer and observe a stale but never a torn value.
func (b *OrderBook) TopOfBook() (bid, bidQty, ask, askQty float64, ok bool) {
	for i := 0; i < 64; i++ {
		s1 := b.topSeq.Load()
		if s1%2 != 0 {
			continue
		}
		v := b.top
		s2 := b.topSeq.Load()
		if s1 == s2 {
			return v[0], v[1], v[2], v[3], v[0] > 0 || v[2] > 0
		}
	}
	return 0, 0, 0, 0, false
}
