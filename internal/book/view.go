package book

import (
	"time"

	"arbflow/internal/market"
)

// View is an immutable copy of book state handed to readers. It is taken
// under the index shard lock; the copy duration is the only time the writer
// is blocked.
type View struct {
	Bids        []market.PriceLevel
	Asks        []market.PriceLevel
	LastUpdate  time.Time
	LastSeq     int64
	Initialized bool
	LastTrade   market.TradeRecord
	HasTrade    bool
}

// DepthStats aggregates the visible ladder for liquidity scoring.
type DepthStats struct {
	TotalBidVolume float64
	TotalAskVolume float64
	AvgBidPrice    float64
	AvgAskPrice    float64
	BidLevels      int
	AskLevels      int
}

// Snapshot copies the full book state out.
func (b *OrderBook) Snapshot() View {
	v := View{
		Bids:        append([]market.PriceLevel(nil), b.bids...),
		Asks:        append([]market.PriceLevel(nil), b.asks...),
		LastUpdate:  b.lastUpdate,
		LastSeq:     b.lastSeq,
		Initialized: b.initialized,
		LastTrade:   b.lastTrade,
		HasTrade:    b.hasTrade,
	}
	return v
}

// BestBid returns the highest bid of the view.
func (v View) BestBid() (market.PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return market.PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask of the view.
func (v View) BestAsk() (market.PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return market.PriceLevel{}, false
	}
	return v.Asks[0], true
}

// Mid returns the view midpoint.
func (v View) Mid() (float64, bool) {
	bid, okB := v.BestBid()
	ask, okA := v.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Valid mirrors OrderBook.Valid on the copied state.
func (v View) Valid() bool {
	return v.Initialized && len(v.Bids) > 0 && len(v.Asks) > 0 && v.Bids[0].Price < v.Asks[0].Price
}

// Depth aggregates up to maxLevels per side.
func (v View) Depth(maxLevels int) DepthStats {
	var s DepthStats
	for i, l := range v.Bids {
		if i >= maxLevels {
			break
		}
		s.TotalBidVolume += l.Quantity
		s.AvgBidPrice += l.Price * l.Quantity
		s.BidLevels++
	}
	if s.TotalBidVolume > 0 {
		s.AvgBidPrice /= s.TotalBidVolume
	}
	for i, l := range v.Asks {
		if i >= maxLevels {
			break
		}
		s.TotalAskVolume += l.Quantity
		s.AvgAskPrice += l.Price * l.Quantity
		s.AskLevels++
	}
	if s.TotalAskVolume > 0 {
		s.AvgAskPrice /= s.TotalAskVolume
	}
	return s
}

// VWAP sweeps the view best-first, mirroring OrderBook.VWAP.
func (v View) VWAP(side market.Side, target float64) (avg float64, filled float64, complete bool) {
	if target <= market.Epsilon {
		return 0, 0, true
	}
	levels := v.Asks
	if side == market.Sell {
		levels = v.Bids
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
