package index

import (
	"time"

	"arbflow/internal/market"
)

// BestPrices is the cross-venue aggregation result for one (symbol,
// instrument) pair.
type BestPrices struct {
	BestBid      float64
	BestBidVenue market.Venue
	BestBidSize  float64
	BestAsk      float64
	BestAskVenue market.Venue
	BestAskSize  float64
}

// BestAcrossVenues iterates every venue carrying the pair and returns the
// highest bid and lowest ask with their origins. Identical prices are broken
// by larger size, then by the fixed venue ordering (the iteration order).
// Venues whose ticker is older than freshness are skipped; a zero freshness
// disables the check.
func (m *MarketIndex) BestAcrossVenues(sym market.Symbol, kind market.InstrumentKind, now time.Time, freshness time.Duration) (BestPrices, bool) {
	var best BestPrices
	found := false

	for _, v := range market.Venues {
		k := market.Key{Venue: v, Symbol: sym, Instrument: kind}
		t, ok := m.GetTicker(k)
		if !ok {
			continue
		}
		if freshness > 0 && now.Sub(t.Timestamp) > freshness {
			continue
		}
		if t.Bid > 0 {
			if t.Bid > best.BestBid+market.Epsilon ||
				(market.EpsEq(t.Bid, best.BestBid) && t.BidSize > best.BestBidSize+market.Epsilon) {
				best.BestBid = t.Bid
				best.BestBidVenue = v
				best.BestBidSize = t.BidSize
			}
			found = true
		}
		if t.Ask > 0 {
			if best.BestAsk == 0 || t.Ask < best.BestAsk-market.Epsilon ||
				(market.EpsEq(t.Ask, best.BestAsk) && t.AskSize > best.BestAskSize+market.Epsilon) {
				best.BestAsk = t.Ask
				best.BestAskVenue = v
				best.BestAskSize = t.AskSize
			}
			found = true
		}
	}
	return best, found
}

// FundingRates returns the current perpetual funding rate per venue for a
// symbol. Venues without a funding record are absent from the map.
func (m *MarketIndex) FundingRates(sym market.Symbol) map[market.Venue]float64 {
	rates := make(map[market.Venue]float64)
	for _, v := range market.Venues {
		k := market.Key{Venue: v, Symbol: sym, Instrument: market.Perpetual}
		if f, ok := m.GetFunding(k); ok {
			rates[v] = f.Rate
		}
	}
	return rates
}
