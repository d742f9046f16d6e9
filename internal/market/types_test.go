package market

import (
	"testing"
	"time"
)

func TestParseVenueRoundTrip(t *testing.T) {
	for _, v := range Venues {
		got, err := ParseVenue(v.String())
		if err != nil || got != v {
			t.Fatalf("round trip %v: got %v err %v", v, got, err)
		}
	}
	if _, err := ParseVenue("nasdaq"); err == nil {
		t.Fatalf("expected error for unknown venue")
	}
}

func TestParseInstrument(t *testing.T) {
	cases := map[string]InstrumentKind{
		"spot":      Spot,
		"perpetual": Perpetual,
		"perp":      Perpetual,
		"swap":      Perpetual,
		"future":    Future,
		"futures":   Future,
		"option":    Option,
	}
	for in, want := range cases {
		got, err := ParseInstrument(in)
		if err != nil || got != want {
			t.Fatalf("ParseInstrument(%q)=%v err=%v", in, got, err)
		}
	}
	if _, err := ParseInstrument("bond"); err == nil {
		t.Fatalf("expected error for unknown instrument")
	}
}

func TestTickerDerived(t *testing.T) {
	tk := Ticker{Bid: 100, Ask: 102, BidSize: 1, AskSize: 2}
	if mid, ok := tk.Mid(); !ok || mid != 101 {
		t.Fatalf("mid=%v ok=%v", mid, ok)
	}
	if spread, ok := tk.Spread(); !ok || spread != 2 {
		t.Fatalf("spread=%v ok=%v", spread, ok)
	}
	if bps, ok := tk.SpreadBPS(); !ok || !EpsEq(bps, 2.0/101*1e4) {
		t.Fatalf("spread bps=%v", bps)
	}
	if !tk.Valid() {
		t.Fatalf("expected valid ticker")
	}

	empty := Ticker{Ask: 102}
	if _, ok := empty.Mid(); ok {
		t.Fatalf("expected no mid on one-sided ticker")
	}

	crossed := Ticker{Bid: 103, Ask: 102}
	if crossed.Valid() {
		t.Fatalf("crossed ticker must be invalid")
	}
}

func TestOpportunityValidate(t *testing.T) {
	base := Opportunity{
		ID:        "SPOT-1-1",
		CreatedAt: time.UnixMilli(1),
		TTL:       time.Second,
		Kind:      SpotArbitrage,
		Legs: []Leg{
			{Venue: VenueBinance, Symbol: "BTC-USDT", Side: Buy, Price: 100, Quantity: 1},
			{Venue: VenueBybit, Symbol: "BTC-USDT", Side: Sell, Price: 101, Quantity: 1},
		},
		LiquidityScore: 1,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid opportunity rejected: %v", err)
	}

	oneLeg := base
	oneLeg.Legs = base.Legs[:1]
	if err := oneLeg.Validate(); err == nil {
		t.Fatalf("expected error for single leg")
	}

	noID := base
	noID.ID = ""
	if err := noID.Validate(); err == nil {
		t.Fatalf("expected error for missing id")
	}

	badRisk := base
	badRisk.ExecutionRisk = 1.5
	if err := badRisk.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range execution risk")
	}
}

func TestOpportunityExpiry(t *testing.T) {
	o := Opportunity{CreatedAt: time.UnixMilli(1000), TTL: 100 * time.Millisecond}
	if o.Expired(time.UnixMilli(1050)) {
		t.Fatalf("expired too early")
	}
	if !o.Expired(time.UnixMilli(1200)) {
		t.Fatalf("should be expired")
	}
}

func TestLegHelpers(t *testing.T) {
	buy := Leg{Side: Buy, Price: 100, Quantity: 2}
	sell := Leg{Side: Sell, Price: 100, Quantity: 2}
	if buy.Notional() != 200 || buy.SignedQuantity() != 2 {
		t.Fatalf("buy leg helpers wrong")
	}
	if sell.SignedQuantity() != -2 {
		t.Fatalf("sell leg signed quantity wrong")
	}

	o := Opportunity{Legs: []Leg{
		{Venue: VenueBinance, Instrument: Spot},
		{Venue: VenueBybit, Instrument: Perpetual},
	}}
	if !o.CrossVenue() || !o.HasPerpetualLeg() {
		t.Fatalf("cross venue / perp detection wrong")
	}
}
