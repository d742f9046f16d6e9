package detector

import (
	"context"
	"testing"
	"time"

	appconfig "arbflow/config"
	"arbflow/internal/bus"
	"arbflow/internal/clock"
	"arbflow/internal/index"
	"arbflow/internal/market"
	"arbflow/internal/pricer"
	"arbflow/internal/risk"
)

type harness struct {
	cfg      *appconfig.Config
	idx      *index.MarketIndex
	clk      *clock.FakeClock
	det      *Detector
	consumer *bus.Consumer
	bus      *bus.Bus
}

func testPolicy() appconfig.PolicyConfig {
	return appconfig.PolicyConfig{
		MinProfitBPS:            1,
		OpportunityTTLMs:        500,
		MaxPositionSizeUSD:      100000,
		MaxPortfolioExposureUSD: 1000000,
		DefaultPositionLimit:    50000,
		MaxExecutionRisk:        0.7,
		MaxFundingRisk:          0.01,
		MinLiquidityScore:       0.7,
		TakerFeeBPS:             4,
		MakerFeeBPS:             2,
		DetectionIntervalMs:     100,
		MaxOpportunityQueue:     256,
		FreshnessWindowMs:       5000,
	}
}

func newHarness(t *testing.T, policy appconfig.PolicyConfig, watch []Watch, positions PositionProvider) *harness {
	t.Helper()
	cfg := &appconfig.Config{Policy: policy}
	idx := index.New()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	pr := pricer.New(idx, clk, pricer.DefaultParams())

	limits := risk.Limits{
		MaxExecutionRisk:     policy.MaxExecutionRisk,
		MaxFundingRisk:       policy.MaxFundingRisk,
		MinLiquidityScore:    policy.MinLiquidityScore,
		DefaultPositionLimit: policy.DefaultPositionLimit,
		PerSymbolLimit:       map[market.Symbol]float64{},
		PerVenueExposure:     map[market.Venue]float64{},
		MaxPortfolioExposure: policy.MaxPortfolioExposureUSD,
	}
	for sym, l := range policy.PerSymbolPositionLimit {
		limits.PerSymbolLimit[sym] = l
	}
	gate := risk.NewGate(limits)

	b := bus.New()
	consumer, err := b.Register("test", 16, bus.DropOldest)
	if err != nil {
		t.Fatalf("register consumer: %v", err)
	}

	det := New(cfg, idx, pr, gate, b, clk, watch, positions)
	return &harness{cfg: cfg, idx: idx, clk: clk, det: det, consumer: consumer, bus: b}
}

func (h *harness) seedTicker(v market.Venue, sym string, kind market.InstrumentKind, bid, ask, bidSz, askSz float64) {
	h.idx.UpsertTicker(market.Key{Venue: v, Symbol: sym, Instrument: kind}, market.Ticker{
		Bid: bid, Ask: ask, BidSize: bidSz, AskSize: askSz, Timestamp: h.clk.Now(),
	})
}

func (h *harness) drain() []market.Opportunity {
	var out []market.Opportunity
	for {
		select {
		case o := <-h.consumer.Ch():
			out = append(out, o)
		default:
			return out
		}
	}
}

func spotWatch() []Watch {
	return []Watch{{Symbol: "BTC-USDT", Instruments: []market.InstrumentKind{market.Spot}}}
}

// With 4 bps taker fees the 3.33 bps gross dislocation nets negative and
// nothing is emitted.
func TestSpotCrossVenueFeesEatTheEdge(t *testing.T) {
	h := newHarness(t, testPolicy(), spotWatch(), nil)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)

	h.det.RunCycleOnce()

	if got := h.drain(); len(got) != 0 {
		t.Fatalf("expected no opportunities with fees, got %d", len(got))
	}
}

// With zero fees the same dislocation nets 3.33 bps and emits exactly one
// two-leg opportunity worth 10 USD.
func TestSpotCrossVenueZeroFees(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	h := newHarness(t, policy, spotWatch(), nil)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)

	h.det.RunCycleOnce()

	got := h.drain()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 opportunity, got %d", len(got))
	}
	o := got[0]
	if o.Kind != market.SpotArbitrage || len(o.Legs) != 2 {
		t.Fatalf("unexpected opportunity: %+v", o)
	}
	buy, sell := o.Legs[0], o.Legs[1]
	if buy.Side != market.Buy || buy.Venue != market.VenueBinance || buy.Price != 30010 || buy.Quantity != 1 {
		t.Fatalf("buy leg: %+v", buy)
	}
	if sell.Side != market.Sell || sell.Venue != market.VenueBybit || sell.Price != 30020 || sell.Quantity != 1 {
		t.Fatalf("sell leg: %+v", sell)
	}
	if !market.EpsEq(o.ExpectedProfit, 10) {
		t.Fatalf("expected profit 10, got %v", o.ExpectedProfit)
	}
	wantBPS := (30020.0 - 30010.0) / 30010.0 * 1e4
	if !market.EpsEq(o.ProfitBPS, wantBPS) {
		t.Fatalf("profit bps %v want %v", o.ProfitBPS, wantBPS)
	}
	if o.ProfitBPS < policy.MinProfitBPS {
		t.Fatalf("emitted below threshold")
	}
	if o.ExpiresAt().Before(o.CreatedAt) {
		t.Fatalf("expiry before creation")
	}
}

// Same-venue best bid/ask never produces an opportunity.
func TestSpotSameVenueIgnored(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	h := newHarness(t, policy, spotWatch(), nil)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30020, 30010, 1, 1)

	h.det.RunCycleOnce()
	if got := h.drain(); len(got) != 0 {
		t.Fatalf("expected nothing for single venue, got %d", len(got))
	}
}

// Funding spread of 7 bps with a 5 bps threshold emits long at the lowest
// rate, short at the highest, with the funding-interval ttl.
func TestFundingSpreadScenario(t *testing.T) {
	policy := testPolicy()
	policy.MinProfitBPS = 5
	watch := []Watch{{Symbol: "BTC-USDT", Instruments: []market.InstrumentKind{market.Perpetual}}}
	h := newHarness(t, policy, watch, nil)

	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: -0.0002})

	h.det.RunCycleOnce()

	got := h.drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 funding opportunity, got %d", len(got))
	}
	o := got[0]
	if o.Kind != market.FundingArbitrage {
		t.Fatalf("kind %v", o.Kind)
	}
	long, short := o.Legs[0], o.Legs[1]
	if long.Side != market.Buy || long.Venue != market.VenueBybit {
		t.Fatalf("long leg: %+v", long)
	}
	if short.Side != market.Sell || short.Venue != market.VenueBinance {
		t.Fatalf("short leg: %+v", short)
	}
	if !market.EpsEq(o.ProfitBPS, 7) {
		t.Fatalf("profit bps %v want 7", o.ProfitBPS)
	}
	if o.TTL != 8*time.Hour {
		t.Fatalf("ttl %v want 8h", o.TTL)
	}
}

// Funding spread below threshold stays silent.
func TestFundingSpreadBelowThreshold(t *testing.T) {
	policy := testPolicy()
	policy.MinProfitBPS = 10
	watch := []Watch{{Symbol: "BTC-USDT", Instruments: []market.InstrumentKind{market.Perpetual}}}
	h := newHarness(t, policy, watch, nil)

	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: -0.0002})

	h.det.RunCycleOnce()
	if got := h.drain(); len(got) != 0 {
		t.Fatalf("expected nothing below threshold, got %d", len(got))
	}
}

// TTL expiry removes the opportunity from the live list but consumers keep
// their copies.
func TestTTLExpiry(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	policy.OpportunityTTLMs = 100
	h := newHarness(t, policy, spotWatch(), nil)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)

	h.det.RunCycleOnce()
	if live := h.det.Live(); len(live) != 1 {
		t.Fatalf("expected 1 live opportunity, got %d", len(live))
	}
	received := h.drain()
	if len(received) != 1 {
		t.Fatalf("expected delivery, got %d", len(received))
	}

	h.clk.Advance(200 * time.Millisecond)
	h.det.cleanup(h.clk.Now())

	if live := h.det.Live(); len(live) != 0 {
		t.Fatalf("expected expired opportunity removed, got %d", len(live))
	}
	if h.det.Stats().OpportunitiesExpired != 1 {
		t.Fatalf("expected expiry counter 1")
	}
	// The consumer's copy is unaffected by cleanup.
	if received[0].ID == "" {
		t.Fatalf("consumer copy lost")
	}
}

// A risk-gate rejection keeps the opportunity away from every consumer.
func TestRiskGateRejectionNotDelivered(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	policy.PerSymbolPositionLimit = map[string]float64{"BTC-USDT": 0.5}
	positions := func() risk.PositionSnapshot {
		return risk.PositionSnapshot{BySymbol: map[market.Symbol]float64{"BTC-USDT": 0.5}}
	}
	h := newHarness(t, policy, spotWatch(), positions)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)

	h.det.RunCycleOnce()

	if got := h.drain(); len(got) != 0 {
		t.Fatalf("rejected opportunity must not reach consumers, got %d", len(got))
	}
	if live := h.det.Live(); len(live) != 0 {
		t.Fatalf("rejected opportunity must not be stored, got %d", len(live))
	}
}

// Stale tickers are skipped for the cycle.
func TestStaleDataSkipped(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	h := newHarness(t, policy, spotWatch(), nil)
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)

	// Move time past the freshness window without refreshing tickers.
	h.clk.Advance(10 * time.Second)
	h.det.RunCycleOnce()

	if got := h.drain(); len(got) != 0 {
		t.Fatalf("expected stale data skipped, got %d", len(got))
	}
}

func TestRankOpportunities(t *testing.T) {
	opps := []market.Opportunity{
		{ID: "low", ProfitBPS: 2, RequiredCapital: 100},
		{ID: "high", ProfitBPS: 9, RequiredCapital: 500},
		{ID: "cheap", ProfitBPS: 2, RequiredCapital: 50},
	}
	rankOpportunities(opps)
	if opps[0].ID != "high" || opps[1].ID != "cheap" || opps[2].ID != "low" {
		t.Fatalf("ranking wrong: %s %s %s", opps[0].ID, opps[1].ID, opps[2].ID)
	}
}

func TestLiveListOverflowDropsOldest(t *testing.T) {
	policy := testPolicy()
	policy.MaxOpportunityQueue = 2
	h := newHarness(t, policy, nil, nil)

	mk := func(id string) market.Opportunity {
		return market.Opportunity{
			ID:        id,
			CreatedAt: h.clk.Now(),
			TTL:       time.Minute,
			Kind:      market.SpotArbitrage,
			Legs: []market.Leg{
				{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot, Side: market.Buy, Price: 100, Quantity: 1},
				{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Spot, Side: market.Sell, Price: 101, Quantity: 1},
			},
			ExpectedProfit: 1,
			ProfitBPS:      5,
			LiquidityScore: 1,
			ExecutionRisk:  0.3,
		}
	}
	h.det.submit(mk("one"), "cycle")
	h.det.submit(mk("two"), "cycle")
	h.det.submit(mk("three"), "cycle")

	live := h.det.Live()
	if len(live) != 2 || live[0].ID != "two" || live[1].ID != "three" {
		t.Fatalf("overflow handling wrong: %+v", live)
	}
	if h.det.Stats().OpportunitiesDropped != 1 {
		t.Fatalf("expected drop counter 1")
	}
}

func TestUniqueMonotonicIDs(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, nil)
	now := h.clk.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := h.det.nextID(market.SpotArbitrage, now)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.det.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.det.Start(ctx); err == nil {
		t.Fatalf("expected error on double start")
	}
	cancel()
	h.det.Stop()
	// Stop again must be a no-op.
	h.det.Stop()
}

// Spot opportunities rank ahead of funding within a cycle because classes
// are submitted in a fixed order.
func TestClassOrderingWithinCycle(t *testing.T) {
	policy := testPolicy()
	policy.TakerFeeBPS = 0
	policy.MinProfitBPS = 1
	watch := []Watch{{Symbol: "BTC-USDT", Instruments: []market.InstrumentKind{market.Spot, market.Perpetual}}}
	h := newHarness(t, policy, watch, nil)

	// Spot dislocation.
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Spot, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Spot, 30020, 30030, 1, 1)
	// Funding spread.
	h.seedTicker(market.VenueBinance, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.seedTicker(market.VenueBybit, "BTC-USDT", market.Perpetual, 30000, 30010, 1, 1)
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: 0.0005})
	h.idx.UpsertFunding(market.Key{Venue: market.VenueBybit, Symbol: "BTC-USDT", Instrument: market.Perpetual},
		market.FundingRecord{Rate: -0.0002})

	h.det.RunCycleOnce()

	got := h.drain()
	if len(got) < 2 {
		t.Fatalf("expected spot and funding opportunities, got %d", len(got))
	}
	if got[0].Kind != market.SpotArbitrage {
		t.Fatalf("first delivery should be spot, got %v", got[0].Kind)
	}
	sawFunding := false
	for _, o := range got[1:] {
		if o.Kind == market.FundingArbitrage {
			sawFunding = true
		}
		if o.Kind == market.SpotArbitrage {
			t.Fatalf("spot delivered after other classes began")
		}
	}
	if !sawFunding {
		t.Fatalf("funding opportunity missing")
	}
}
