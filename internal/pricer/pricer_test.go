package pricer

import (
	"errors"
	"math"
	"testing"
	"time"

	"arbflow/internal/clock"
	"arbflow/internal/index"
	"arbflow/internal/market"
)

func testPricer(t *testing.T) (*Pricer, *index.MarketIndex, *clock.FakeClock) {
	t.Helper()
	idx := index.New()
	clk := clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p := New(idx, clk, DefaultParams())
	return p, idx, clk
}

func seedTicker(idx *index.MarketIndex, v market.Venue, sym string, kind market.InstrumentKind, bid, ask float64) {
	idx.UpsertTicker(market.Key{Venue: v, Symbol: sym, Instrument: kind}, market.Ticker{
		Bid: bid, Ask: ask, BidSize: 1, AskSize: 1, Timestamp: time.Now(),
	})
}

func TestBasis(t *testing.T) {
	p, idx, _ := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 29995, 30005)      // mid 30000
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Perpetual, 30025, 30035) // mid 30030

	bps, err := p.Basis("BTC-USDT", market.Perpetual, market.VenueBinance)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	want := (30030.0 - 30000.0) / 30000.0 * 1e4 // 10 bps
	if !market.EpsEq(bps, want) {
		t.Fatalf("basis=%v want=%v", bps, want)
	}
}

func TestBasisMissingInput(t *testing.T) {
	p, idx, _ := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 29995, 30005)

	_, err := p.Basis("BTC-USDT", market.Perpetual, market.VenueBinance)
	if !errors.Is(err, ErrNoFairValue) {
		t.Fatalf("expected ErrNoFairValue, got %v", err)
	}
}

func TestImpliedFundingRate(t *testing.T) {
	p, idx, _ := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 29995, 30005)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Perpetual, 30025, 30035)

	rate, err := p.ImpliedFundingRate("BTC-USDT", market.VenueBinance)
	if err != nil {
		t.Fatalf("implied funding: %v", err)
	}
	basisBPS := (30030.0 - 30000.0) / 30000.0 * 1e4
	want := basisBPS * 365 * 3 / 1e4
	if !market.EpsEq(rate, want) {
		t.Fatalf("rate=%v want=%v", rate, want)
	}
}

func TestSyntheticSpotFromPerp(t *testing.T) {
	p, idx, _ := testPricer(t)
	seedTicker(idx, market.VenueBybit, "BTC-USDT", market.Perpetual, 30025, 30035)
	idx.UpsertFunding(market.Key{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})

	got, err := p.SyntheticSpot("BTC-USDT", market.VenueBybit, 8)
	if err != nil {
		t.Fatalf("synthetic spot: %v", err)
	}
	want := 30030.0 * (1 - 0.0005) // one full funding interval
	if !market.EpsEq(got, want) {
		t.Fatalf("synthetic=%v want=%v", got, want)
	}
}

func TestFundingSpreadAcrossVenues(t *testing.T) {
	p, idx, _ := testPricer(t)
	idx.UpsertFunding(market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})
	idx.UpsertFunding(market.Key{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: -0.0002})

	spread, err := p.FundingSpreadAcrossVenues("BTC-USDT")
	if err != nil {
		t.Fatalf("funding spread: %v", err)
	}
	if spread.LongVenue != market.VenueBybit || spread.ShortVenue != market.VenueBinance {
		t.Fatalf("long=%v short=%v", spread.LongVenue, spread.ShortVenue)
	}
	if !market.EpsEq(spread.SpreadBPS, 7) {
		t.Fatalf("spread bps=%v want 7", spread.SpreadBPS)
	}
}

func TestFundingSpreadNeedsTwoVenues(t *testing.T) {
	p, idx, _ := testPricer(t)
	idx.UpsertFunding(market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})
	if _, err := p.FundingSpreadAcrossVenues("BTC-USDT"); !errors.Is(err, ErrNoFairValue) {
		t.Fatalf("expected ErrNoFairValue, got %v", err)
	}
}

func TestFuturesFairValue(t *testing.T) {
	p, idx, clk := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30000.2)

	expiry := clk.Now().Add(90 * 24 * time.Hour)
	fv, err := p.FuturesFairValue("BTC-USDT", expiry)
	if err != nil {
		t.Fatalf("fair value: %v", err)
	}
	tYears := 90.0 / 365.25
	want := 30000.0 * math.Exp(0.05*tYears)
	if math.Abs(fv-want) > 1e-6 {
		t.Fatalf("fv=%v want=%v", fv, want)
	}
}

func TestFuturesFairValueExpired(t *testing.T) {
	p, idx, clk := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30000.2)
	if _, err := p.FuturesFairValue("BTC-USDT", clk.Now().Add(-time.Hour)); !errors.Is(err, ErrNoFairValue) {
		t.Fatalf("expected ErrNoFairValue for past expiry, got %v", err)
	}
}

func TestImpliedRateRoundTrip(t *testing.T) {
	p, idx, clk := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30000.2)

	expiry := clk.Now().Add(180 * 24 * time.Hour)
	fv, err := p.FuturesFairValue("BTC-USDT", expiry)
	if err != nil {
		t.Fatalf("fair value: %v", err)
	}
	rate, err := p.ImpliedRate(fv, 30000, expiry)
	if err != nil {
		t.Fatalf("implied rate: %v", err)
	}
	if math.Abs(rate-0.05) > 1e-9 {
		t.Fatalf("implied rate=%v want 0.05", rate)
	}
}

func TestMultiLegPrice(t *testing.T) {
	p, idx, _ := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010)
	seedTicker(idx, market.VenueBinance, "ETH-USDT", market.Spot, 2000, 2001)

	legs := []MultiLeg{
		{Key: market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot}, Side: market.Buy, Weight: 1},
		{Key: market.Key{Venue: market.VenueBinance, Symbol: "ETH-USDT", Instrument: market.Spot}, Side: market.Sell, Weight: 2},
	}
	// Buy takes the ask, sell takes the bid.
	want := 30010.0*1 + 2000.0*2
	got, err := p.MultiLegPrice(legs)
	if err != nil {
		t.Fatalf("multi leg: %v", err)
	}
	if !market.EpsEq(got, want) {
		t.Fatalf("price=%v want=%v", got, want)
	}

	legs = append(legs, MultiLeg{Key: market.Key{Venue: market.VenueOKX, Symbol: "SOL-USDT", Instrument: market.Spot}, Side: market.Buy, Weight: 1})
	if _, err := p.MultiLegPrice(legs); !errors.Is(err, ErrNoFairValue) {
		t.Fatalf("expected ErrNoFairValue for missing leg, got %v", err)
	}
}

func TestCalendarSpread(t *testing.T) {
	p, idx, clk := testPricer(t)
	seedTicker(idx, market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30000.2)

	nearExpiry := clk.Now().Add(30 * 24 * time.Hour)
	farExpiry := clk.Now().Add(90 * 24 * time.Hour)
	nearKey := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT-0627", Instrument: market.Future}
	farKey := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT-0926", Instrument: market.Future}
	seedTicker(idx, market.VenueBinance, "BTC-USDT-0627", market.Future, 30100, 30102)
	seedTicker(idx, market.VenueBinance, "BTC-USDT-0926", market.Future, 30700, 30702)

	m, err := p.CalendarSpread("BTC-USDT", nearKey, farKey, nearExpiry, farExpiry)
	if err != nil {
		t.Fatalf("calendar spread: %v", err)
	}
	if !market.EpsEq(m.MarketSpread, 600) {
		t.Fatalf("market spread=%v want 600", m.MarketSpread)
	}
	if m.TheoreticalSpread <= 0 {
		t.Fatalf("theoretical spread should be positive under carry, got %v", m.TheoreticalSpread)
	}
	if m.MispricingBPS <= 0 {
		t.Fatalf("expected rich market spread, got %v bps", m.MispricingBPS)
	}
}
