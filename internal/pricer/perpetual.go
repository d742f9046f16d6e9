package pricer

import (
	"arbflow/internal/market"
)

// FundingRate returns the current funding rate for a perpetual on one venue.
func (p *Pricer) FundingRate(sym market.Symbol, venue market.Venue) (float64, error) {
	k := market.Key{Venue: venue, Symbol: sym, Instrument: market.Perpetual}
	if f, ok := p.idx.GetFunding(k); ok {
		return f.Rate, nil
	}
	if t, ok := p.idx.GetTicker(k); ok && t.HasFunding {
		return t.FundingRate, nil
	}
	return 0, ErrNoFairValue
}

// SyntheticSpot derives a spot price from a perpetual by discounting the
// funding accrued over the holding period:
//
//	perpMid * (1 - rate * holdingHours/intervalHours)
func (p *Pricer) SyntheticSpot(sym market.Symbol, venue market.Venue, holdingHours float64) (float64, error) {
	perpMid, err := p.mid(market.Key{Venue: venue, Symbol: sym, Instrument: market.Perpetual})
	if err != nil {
		return 0, err
	}
	rate, err := p.FundingRate(sym, venue)
	if err != nil {
		return 0, err
	}
	periods := holdingHours / p.params.FundingInterval.Hours()
	return perpMid * (1 - rate*periods), nil
}

// FairFundingRate is the funding rate implied by the perpetual-spot basis on
// a single venue, per funding period.
func (p *Pricer) FairFundingRate(sym market.Symbol, venue market.Venue) (float64, error) {
	spotMid, err := p.mid(market.Key{Venue: venue, Symbol: sym, Instrument: market.Spot})
	if err != nil {
		return 0, err
	}
	perpMid, err := p.mid(market.Key{Venue: venue, Symbol: sym, Instrument: market.Perpetual})
	if err != nil {
		return 0, err
	}
	if spotMid <= 0 {
		return 0, ErrNoFairValue
	}
	basis := (perpMid - spotMid) / spotMid
	return basis * fundingIntervalsPerDay, nil
}

// FundingSpread holds the extremes of funding rates across venues carrying
// the same perpetual.
type FundingSpread struct {
	Symbol     market.Symbol
	LongVenue  market.Venue // lowest funding: go long here
	LongRate   float64
	ShortVenue market.Venue // highest funding: go short here
	ShortRate  float64
	SpreadBPS  float64
	Annualized float64
}

// FundingSpreadAcrossVenues compares funding rates across venues and
// returns the long-at-min / short-at-max pairing. ErrNoFairValue when fewer
// than two venues report a rate.
func (p *Pricer) FundingSpreadAcrossVenues(sym market.Symbol) (FundingSpread, error) {
	rates := p.idx.FundingRates(sym)
	if len(rates) < 2 {
		return FundingSpread{}, ErrNoFairValue
	}

	var spread FundingSpread
	spread.Symbol = sym
	first := true
	// Fixed venue order keeps tie-breaks deterministic.
	for _, v := range market.Venues {
		rate, ok := rates[v]
		if !ok {
			continue
		}
		if first {
			spread.LongVenue, spread.LongRate = v, rate
			spread.ShortVenue, spread.ShortRate = v, rate
			first = false
			continue
		}
		if rate < spread.LongRate {
			spread.LongVenue, spread.LongRate = v, rate
		}
		if rate > spread.ShortRate {
			spread.ShortVenue, spread.ShortRate = v, rate
		}
	}

	spread.SpreadBPS = (spread.ShortRate - spread.LongRate) * 1e4
	spread.Annualized = (spread.ShortRate - spread.LongRate) * fundingDaysPerYear * fundingIntervalsPerDay
	return spread, nil
}
