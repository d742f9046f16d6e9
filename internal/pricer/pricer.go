package pricer

import (
	"errors"
	"time"

	"arbflow/internal/clock"
	"arbflow/internal/index"
	"arbflow/internal/market"
)

// ErrNoFairValue means a required input ticker or book was missing. The
// detector treats it as "skip this candidate this cycle".
var ErrNoFairValue = errors.New("no fair value")

const (
	// Calendar days used for cost-of-carry year fractions.
	daysPerYear = 365.25
	// Flat day count used when annualizing funding payments.
	fundingDaysPerYear = 365
	// Three 8-hour funding intervals per day; the interval itself is a
	// policy value, this is the conventional default.
	fundingIntervalsPerDay = 3
)

// Params are the pricing model inputs fixed at construction.
type Params struct {
	RiskFreeRate    float64       // annualized, e.g. 0.05
	StorageCost     float64       // convenience/storage adjustment, annualized
	FundingInterval time.Duration // one funding period, default 8h
}

// DefaultParams mirrors the conventional venue schedule.
func DefaultParams() Params {
	return Params{RiskFreeRate: 0.05, StorageCost: 0, FundingInterval: 8 * time.Hour}
}

// Pricer computes fair values and basis measures on top of the market
// index. It only reads; all methods are safe for concurrent use.
type Pricer struct {
	idx    *index.MarketIndex
	clk    clock.Clock
	params Params
}

// New builds a pricer over the given index.
func New(idx *index.MarketIndex, clk clock.Clock, params Params) *Pricer {
	if params.FundingInterval <= 0 {
		params.FundingInterval = 8 * time.Hour
	}
	return &Pricer{idx: idx, clk: clk, params: params}
}

// FundingInterval returns the configured funding period.
func (p *Pricer) FundingInterval() time.Duration { return p.params.FundingInterval }

func (p *Pricer) mid(k market.Key) (float64, error) {
	if t, ok := p.idx.GetTicker(k); ok {
		if m, ok := t.Mid(); ok {
			return m, nil
		}
	}
	if v, ok := p.idx.GetBookView(k); ok {
		if m, ok := v.Mid(); ok {
			return m, nil
		}
	}
	return 0, ErrNoFairValue
}

// Basis returns (mid(derivative) - mid(spot)) / mid(spot) in bps for one
// venue. ErrNoFairValue when either mid is missing.
func (p *Pricer) Basis(sym market.Symbol, kind market.InstrumentKind, venue market.Venue) (float64, error) {
	spotMid, err := p.mid(market.Key{Venue: venue, Symbol: sym, Instrument: market.Spot})
	if err != nil {
		return 0, err
	}
	derivMid, err := p.mid(market.Key{Venue: venue, Symbol: sym, Instrument: kind})
	if err != nil {
		return 0, err
	}
	if spotMid <= 0 {
		return 0, ErrNoFairValue
	}
	return (derivMid - spotMid) / spotMid * 1e4, nil
}

// ImpliedFundingRate annualizes the perpetual-spot basis assuming the
// conventional three funding periods per day.
func (p *Pricer) ImpliedFundingRate(sym market.Symbol, venue market.Venue) (float64, error) {
	basisBPS, err := p.Basis(sym, market.Perpetual, venue)
	if err != nil {
		return 0, err
	}
	return basisBPS * fundingDaysPerYear * fundingIntervalsPerDay / 1e4, nil
}

// MultiLeg describes one component of a synthetic construction.
type MultiLeg struct {
	Key    market.Key
	Side   market.Side
	Weight float64
}

// MultiLegPrice prices a synthetic as the weighted sum over legs, taking
// the ask for buys and the bid for sells. ErrNoFairValue when any leg's
// ticker is missing.
func (p *Pricer) MultiLegPrice(legs []MultiLeg) (float64, error) {
	if len(legs) == 0 {
		return 0, ErrNoFairValue
	}
	var total float64
	for _, leg := range legs {
		t, ok := p.idx.GetTicker(leg.Key)
		if !ok {
			return 0, ErrNoFairValue
		}
		var px float64
		if leg.Side == market.Buy {
			px = t.Ask
		} else {
			px = t.Bid
		}
		if px <= 0 {
			return 0, ErrNoFairValue
		}
		total += px * leg.Weight
	}
	return total, nil
}
