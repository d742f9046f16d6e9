package detector

import (
	"errors"
	"time"

	"arbflow/internal/market"
	"arbflow/internal/pricer"
	"arbflow/logger"
)

// freshTicker returns the ticker for a key unless it is older than the
// configured freshness window.
func (d *Detector) freshTicker(k market.Key, now time.Time) (market.Ticker, bool) {
	t, ok := d.idx.GetTicker(k)
	if !ok {
		return market.Ticker{}, false
	}
	if w := d.policy.FreshnessWindow(); w > 0 && now.Sub(t.Timestamp) > w {
		logger.IncrementStaleSkip()
		return market.Ticker{}, false
	}
	return t, true
}

// watchesInstrument reports whether a watch entry includes the kind.
func (w Watch) watchesInstrument(kind market.InstrumentKind) bool {
	for _, k := range w.Instruments {
		if k == kind {
			return true
		}
	}
	return false
}

// scanSpot finds cross-venue dislocations on spot pairs: the best bid on one
// venue above the best ask on another by more than the round-trip taker fee.
func (d *Detector) scanSpot(now time.Time) []market.Opportunity {
	var out []market.Opportunity

	for _, w := range d.watch {
		if !w.watchesInstrument(market.Spot) {
			continue
		}
		best, ok := d.idx.BestAcrossVenues(w.Symbol, market.Spot, now, d.policy.FreshnessWindow())
		if !ok || best.BestBid <= 0 || best.BestAsk <= 0 {
			continue
		}
		if best.BestBidVenue == best.BestAskVenue {
			continue
		}

		grossBPS := (best.BestBid - best.BestAsk) / best.BestAsk * 1e4
		netBPS := grossBPS - 2*d.policy.TakerFeeBPS
		if netBPS < d.policy.MinProfitBPS {
			continue
		}

		qty := best.BestAskSize
		if best.BestBidSize < qty {
			qty = best.BestBidSize
		}
		if qty <= market.Epsilon {
			continue
		}

		buyPx, sellPx := best.BestAsk, best.BestBid
		grossProfit := (sellPx - buyPx) * qty
		fees := (buyPx + sellPx) * qty * d.policy.TakerFeeBPS / 1e4
		expected := grossProfit - fees
		if expected <= 0 {
			continue
		}

		legs := []market.Leg{
			{Venue: best.BestAskVenue, Symbol: w.Symbol, Instrument: market.Spot, Side: market.Buy, Price: buyPx, Quantity: qty},
			{Venue: best.BestBidVenue, Symbol: w.Symbol, Instrument: market.Spot, Side: market.Sell, Price: sellPx, Quantity: qty},
		}

		o := market.Opportunity{
			ID:              d.nextID(market.SpotArbitrage, now),
			CreatedAt:       now,
			TTL:             d.policy.OpportunityTTL(),
			Kind:            market.SpotArbitrage,
			Legs:            legs,
			ExpectedProfit:  expected,
			ProfitBPS:       netBPS,
			RequiredCapital: buyPx * qty,
		}
		d.score(&o, now)
		out = append(out, o)
	}
	return out
}

// scanSynthetic compares each venue's real spot mid with a synthetic spot
// derived from each venue's perpetual (its own venue included),
// funding-adjusted.
func (d *Detector) scanSynthetic(now time.Time) []market.Opportunity {
	var out []market.Opportunity
	holdingHours := d.pricer.FundingInterval().Hours()

	for _, w := range d.watch {
		if !w.watchesInstrument(market.Spot) || !w.watchesInstrument(market.Perpetual) {
			continue
		}
		for _, spotVenue := range market.Venues {
			spotKey := market.Key{Venue: spotVenue, Symbol: w.Symbol, Instrument: market.Spot}
			spotTicker, ok := d.freshTicker(spotKey, now)
			if !ok {
				continue
			}
			spotMid, ok := spotTicker.Mid()
			if !ok || spotMid <= 0 {
				continue
			}

			for _, perpVenue := range market.Venues {
				perpKey := market.Key{Venue: perpVenue, Symbol: w.Symbol, Instrument: market.Perpetual}
				perpTicker, ok := d.freshTicker(perpKey, now)
				if !ok {
					continue
				}

				synthetic, err := d.pricer.SyntheticSpot(w.Symbol, perpVenue, holdingHours)
				if err != nil {
					if !errors.Is(err, pricer.ErrNoFairValue) {
						d.log.WithComponent("detector").WithError(err).Warn("synthetic candidate failed")
					}
					// No fair value means skip this candidate this cycle.
					continue
				}

				mispricingBPS := (synthetic - spotMid) / spotMid * 1e4
				netBPS := absFloat(mispricingBPS) - 2*d.policy.TakerFeeBPS
				if netBPS < d.policy.MinProfitBPS {
					continue
				}

				qty := spotTicker.BidSize
				if perpTicker.AskSize < qty {
					qty = perpTicker.AskSize
				}
				if qty <= market.Epsilon {
					continue
				}

				fundingRate, err := d.pricer.FundingRate(w.Symbol, perpVenue)
				if err != nil {
					fundingRate = 0
				}

				perpMid, ok := perpTicker.Mid()
				if !ok {
					continue
				}

				var legs []market.Leg
				if synthetic > spotMid {
					// Real spot is cheap: buy it, sell the synthetic side.
					legs = []market.Leg{
						{Venue: spotVenue, Symbol: w.Symbol, Instrument: market.Spot, Side: market.Buy, Price: spotTicker.Ask, Quantity: qty},
						{Venue: perpVenue, Symbol: w.Symbol, Instrument: market.Perpetual, Side: market.Sell, Price: perpMid, Quantity: qty, Synthetic: true},
					}
				} else {
					legs = []market.Leg{
						{Venue: perpVenue, Symbol: w.Symbol, Instrument: market.Perpetual, Side: market.Buy, Price: perpMid, Quantity: qty, Synthetic: true},
						{Venue: spotVenue, Symbol: w.Symbol, Instrument: market.Spot, Side: market.Sell, Price: spotTicker.Bid, Quantity: qty},
					}
				}

				expected := netBPS / 1e4 * spotMid * qty
				if expected <= 0 {
					continue
				}

				o := market.Opportunity{
					ID:              d.nextID(market.SyntheticArbitrage, now),
					CreatedAt:       now,
					TTL:             d.policy.OpportunityTTL(),
					Kind:            market.SyntheticArbitrage,
					Legs:            legs,
					ExpectedProfit:  expected,
					ProfitBPS:       netBPS,
					RequiredCapital: spotMid * qty,
					FundingRisk:     absFloat(fundingRate),
				}
				d.score(&o, now)
				out = append(out, o)
			}
		}
	}
	return out
}

// scanFunding pairs the lowest and highest funding venues for the same
// perpetual. The position is held through a funding interval, so the ttl is
// the time until the next funding instead of the standard opportunity ttl.
func (d *Detector) scanFunding(now time.Time) []market.Opportunity {
	var out []market.Opportunity

	for _, w := range d.watch {
		if !w.watchesInstrument(market.Perpetual) {
			continue
		}
		spread, err := d.pricer.FundingSpreadAcrossVenues(w.Symbol)
		if err != nil {
			continue
		}
		if spread.SpreadBPS < d.policy.MinProfitBPS || spread.LongVenue == spread.ShortVenue {
			continue
		}

		longKey := market.Key{Venue: spread.LongVenue, Symbol: w.Symbol, Instrument: market.Perpetual}
		shortKey := market.Key{Venue: spread.ShortVenue, Symbol: w.Symbol, Instrument: market.Perpetual}
		longTicker, okL := d.freshTicker(longKey, now)
		shortTicker, okS := d.freshTicker(shortKey, now)
		if !okL || !okS {
			continue
		}
		longMid, okL := longTicker.Mid()
		shortMid, okS := shortTicker.Mid()
		if !okL || !okS {
			continue
		}

		// Normalized one-unit legs: the funding payment differential is the
		// profit, price exposure nets out.
		const qty = 1.0
		legs := []market.Leg{
			{Venue: spread.LongVenue, Symbol: w.Symbol, Instrument: market.Perpetual, Side: market.Buy, Price: longMid, Quantity: qty},
			{Venue: spread.ShortVenue, Symbol: w.Symbol, Instrument: market.Perpetual, Side: market.Sell, Price: shortMid, Quantity: qty},
		}

		ttl := d.pricer.FundingInterval()
		if f, ok := d.idx.GetFunding(shortKey); ok && f.NextFunding.After(now) {
			ttl = f.NextFunding.Sub(now)
		}

		capital := (longMid + shortMid) * qty
		expected := (spread.ShortRate - spread.LongRate) * shortMid * qty

		o := market.Opportunity{
			ID:              d.nextID(market.FundingArbitrage, now),
			CreatedAt:       now,
			TTL:             ttl,
			Kind:            market.FundingArbitrage,
			Legs:            legs,
			ExpectedProfit:  expected,
			ProfitBPS:       spread.SpreadBPS,
			RequiredCapital: capital,
			FundingRisk:     spread.ShortRate - spread.LongRate,
		}
		d.score(&o, now)
		out = append(out, o)
	}
	return out
}

// scanCalendar compares the market spread between two expiries with the
// cost-of-carry theoretical spread.
func (d *Detector) scanCalendar(now time.Time) []market.Opportunity {
	var out []market.Opportunity

	for _, c := range d.calendar {
		venue, err := market.ParseVenue(c.Venue)
		if err != nil {
			d.log.WithComponent("detector").WithError(err).Warn("skipping calendar candidate")
			continue
		}
		nearKey := market.Key{Venue: venue, Symbol: c.NearSymbol, Instrument: market.Future}
		farKey := market.Key{Venue: venue, Symbol: c.FarSymbol, Instrument: market.Future}

		m, err := d.pricer.CalendarSpread(c.Symbol, nearKey, farKey, c.NearExpiry, c.FarExpiry)
		if err != nil {
			continue
		}
		if absFloat(m.MispricingBPS) < d.policy.MinProfitBPS {
			continue
		}

		const qty = 1.0
		var legs []market.Leg
		if m.MarketSpread > m.TheoreticalSpread {
			// Spread trades rich: sell the far leg, buy the near leg.
			legs = []market.Leg{
				{Venue: venue, Symbol: c.FarSymbol, Instrument: market.Future, Side: market.Sell, Price: m.FarMid, Quantity: qty},
				{Venue: venue, Symbol: c.NearSymbol, Instrument: market.Future, Side: market.Buy, Price: m.NearMid, Quantity: qty},
			}
		} else {
			legs = []market.Leg{
				{Venue: venue, Symbol: c.FarSymbol, Instrument: market.Future, Side: market.Buy, Price: m.FarMid, Quantity: qty},
				{Venue: venue, Symbol: c.NearSymbol, Instrument: market.Future, Side: market.Sell, Price: m.NearMid, Quantity: qty},
			}
		}

		o := market.Opportunity{
			ID:              d.nextID(market.CalendarArbitrage, now),
			CreatedAt:       now,
			TTL:             d.policy.OpportunityTTL(),
			Kind:            market.CalendarArbitrage,
			Legs:            legs,
			ExpectedProfit:  absFloat(m.MarketSpread-m.TheoreticalSpread) * qty,
			ProfitBPS:       absFloat(m.MispricingBPS),
			RequiredCapital: maxFloat(m.NearMid, m.FarMid) * qty,
		}
		d.score(&o, now)
		out = append(out, o)
	}
	return out
}

// score fills in execution risk, liquidity and executability for a
// constructed opportunity.
func (d *Detector) score(o *market.Opportunity, now time.Time) {
	risk := 0.0
	if o.CrossVenue() {
		risk += 0.3
	}
	for _, l := range o.Legs {
		if l.Synthetic {
			risk += 0.2
		}
	}
	if risk > 1 {
		risk = 1
	}
	o.ExecutionRisk = risk

	o.LiquidityScore = d.liquidityScore(o.Legs, now)
	o.Executable = o.ExpectedProfit > 0 &&
		(d.policy.MaxPositionSizeUSD <= 0 || o.RequiredCapital <= d.policy.MaxPositionSizeUSD)
}

// liquidityScore relates top-of-book depth on each leg's passive side to the
// leg quantity. The score is the worst leg's coverage ratio, capped at 1.
func (d *Detector) liquidityScore(legs []market.Leg, now time.Time) float64 {
	score := 1.0
	for _, l := range legs {
		t, ok := d.idx.GetTicker(market.Key{Venue: l.Venue, Symbol: l.Symbol, Instrument: l.Instrument})
		if !ok {
			// No visible depth; fall back to the conservative default the
			// gate can still reason about.
			if 0.8 < score {
				score = 0.8
			}
			continue
		}
		size := t.AskSize
		if l.Side == market.Sell {
			size = t.BidSize
		}
		if l.Quantity <= market.Epsilon {
			continue
		}
		ratio := size / l.Quantity
		if ratio > 1 {
			ratio = 1
		}
		if ratio < score {
			score = ratio
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
