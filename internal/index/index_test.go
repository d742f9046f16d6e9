package index

import (
	"errors"
	"sync"
	"testing"
	"time"

	"arbflow/internal/book"
	"arbflow/internal/market"
)

func key(v market.Venue, sym string, kind market.InstrumentKind) market.Key {
	return market.Key{Venue: v, Symbol: sym, Instrument: kind}
}

func ticker(bid, ask, bidSz, askSz float64, ts time.Time) market.Ticker {
	return market.Ticker{Bid: bid, Ask: ask, BidSize: bidSz, AskSize: askSz, Timestamp: ts}
}

func TestUpsertAndGetTicker(t *testing.T) {
	idx := New()
	k := key(market.VenueBinance, "BTC-USDT", market.Spot)

	if _, ok := idx.GetTicker(k); ok {
		t.Fatalf("expected missing ticker")
	}
	now := time.UnixMilli(1000)
	idx.UpsertTicker(k, ticker(30000, 30010, 1, 1, now))
	got, ok := idx.GetTicker(k)
	if !ok || got.Bid != 30000 || got.Ask != 30010 {
		t.Fatalf("ticker round trip failed: %+v ok=%v", got, ok)
	}
}

func TestBookLifecycleThroughIndex(t *testing.T) {
	idx := New()
	k := key(market.VenueOKX, "ETH-USDT", market.Perpetual)

	bids := []market.PriceLevel{{Price: 2000, Quantity: 5}}
	asks := []market.PriceLevel{{Price: 2001, Quantity: 5}}
	if err := idx.ApplyBookSnapshot(k, bids, asks, 10, time.UnixMilli(1)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	v, ok := idx.GetBookView(k)
	if !ok || !v.Valid() {
		t.Fatalf("expected valid view, ok=%v", ok)
	}

	// A gapped delta surfaces the desync to the caller.
	err := idx.ApplyBookDelta(k, bids, nil, 12, time.UnixMilli(2))
	if !errors.Is(err, book.ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
	v, _ = idx.GetBookView(k)
	if v.Initialized {
		t.Fatalf("expected uninitialized view after desync")
	}
}

func TestBestAcrossVenuesPriceSelection(t *testing.T) {
	idx := New()
	now := time.UnixMilli(1000)
	idx.UpsertTicker(key(market.VenueBinance, "BTC-USDT", market.Spot), ticker(30000, 30010, 1, 1, now))
	idx.UpsertTicker(key(market.VenueBybit, "BTC-USDT", market.Spot), ticker(30020, 30030, 1, 1, now))

	best, ok := idx.BestAcrossVenues("BTC-USDT", market.Spot, now, 0)
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if best.BestBid != 30020 || best.BestBidVenue != market.VenueBybit {
		t.Fatalf("best bid %v@%v", best.BestBid, best.BestBidVenue)
	}
	if best.BestAsk != 30010 || best.BestAskVenue != market.VenueBinance {
		t.Fatalf("best ask %v@%v", best.BestAsk, best.BestAskVenue)
	}
}

func TestBestAcrossVenuesTieBreaks(t *testing.T) {
	idx := New()
	now := time.UnixMilli(1000)
	// Same prices; bybit has more size on both sides.
	idx.UpsertTicker(key(market.VenueBinance, "BTC-USDT", market.Spot), ticker(30000, 30010, 1, 1, now))
	idx.UpsertTicker(key(market.VenueBybit, "BTC-USDT", market.Spot), ticker(30000, 30010, 2, 3, now))

	best, _ := idx.BestAcrossVenues("BTC-USDT", market.Spot, now, 0)
	if best.BestBidVenue != market.VenueBybit || best.BestBidSize != 2 {
		t.Fatalf("size tie-break failed: %v size=%v", best.BestBidVenue, best.BestBidSize)
	}
	if best.BestAskVenue != market.VenueBybit || best.BestAskSize != 3 {
		t.Fatalf("ask size tie-break failed: %v", best.BestAskVenue)
	}

	// Equal price and size: first venue in the fixed ordering wins.
	idx2 := New()
	idx2.UpsertTicker(key(market.VenueBinance, "BTC-USDT", market.Spot), ticker(30000, 30010, 1, 1, now))
	idx2.UpsertTicker(key(market.VenueOKX, "BTC-USDT", market.Spot), ticker(30000, 30010, 1, 1, now))
	best2, _ := idx2.BestAcrossVenues("BTC-USDT", market.Spot, now, 0)
	if best2.BestBidVenue != market.VenueBinance {
		t.Fatalf("venue-order tie-break failed: %v", best2.BestBidVenue)
	}
}

func TestBestAcrossVenuesFreshness(t *testing.T) {
	idx := New()
	now := time.UnixMilli(10_000)
	idx.UpsertTicker(key(market.VenueBinance, "BTC-USDT", market.Spot), ticker(30000, 30010, 1, 1, time.UnixMilli(1000)))
	idx.UpsertTicker(key(market.VenueBybit, "BTC-USDT", market.Spot), ticker(29990, 30005, 1, 1, now))

	best, ok := idx.BestAcrossVenues("BTC-USDT", market.Spot, now, 5*time.Second)
	if !ok {
		t.Fatalf("expected aggregate from fresh venue")
	}
	if best.BestBidVenue != market.VenueBybit {
		t.Fatalf("stale venue should be skipped, got %v", best.BestBidVenue)
	}
}

func TestFundingRates(t *testing.T) {
	idx := New()
	idx.UpsertFunding(key(market.VenueBinance, "BTC-USDT", market.Perpetual), market.FundingRecord{Rate: 0.0005})
	idx.UpsertFunding(key(market.VenueBybit, "BTC-USDT", market.Perpetual), market.FundingRecord{Rate: -0.0002})

	rates := idx.FundingRates("BTC-USDT")
	if len(rates) != 2 {
		t.Fatalf("expected 2 rates, got %d", len(rates))
	}
	if rates[market.VenueBinance] != 0.0005 || rates[market.VenueBybit] != -0.0002 {
		t.Fatalf("unexpected rates: %+v", rates)
	}
}

func TestFundingFromTicker(t *testing.T) {
	idx := New()
	k := key(market.VenueBybit, "BTC-USDT", market.Perpetual)
	tk := ticker(30000, 30010, 1, 1, time.UnixMilli(1))
	tk.FundingRate = 0.0003
	tk.HasFunding = true
	idx.UpsertTicker(k, tk)

	f, ok := idx.GetFunding(k)
	if !ok || f.Rate != 0.0003 {
		t.Fatalf("funding from ticker: %+v ok=%v", f, ok)
	}
}

func TestRemoveVenueAndKeys(t *testing.T) {
	idx := New()
	now := time.UnixMilli(1)
	idx.UpsertTicker(key(market.VenueBinance, "BTC-USDT", market.Spot), ticker(1, 2, 1, 1, now))
	idx.UpsertTicker(key(market.VenueBinance, "ETH-USDT", market.Spot), ticker(1, 2, 1, 1, now))
	idx.UpsertTicker(key(market.VenueBybit, "BTC-USDT", market.Spot), ticker(1, 2, 1, 1, now))

	if got := len(idx.Keys("BTC-USDT", market.Spot)); got != 2 {
		t.Fatalf("expected 2 keys, got %d", got)
	}

	idx.RemoveVenue(market.VenueBinance)
	if got := len(idx.Keys("BTC-USDT", market.Spot)); got != 1 {
		t.Fatalf("expected 1 key after venue removal, got %d", got)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 entry total, got %d", idx.Len())
	}

	idx.RemoveKey(key(market.VenueBybit, "BTC-USDT", market.Spot))
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got %d", idx.Len())
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	idx := New()
	k := key(market.VenueBinance, "BTC-USDT", market.Spot)
	if err := idx.ApplyBookSnapshot(k, []market.PriceLevel{{Price: 100, Quantity: 1}}, []market.PriceLevel{{Price: 101, Quantity: 1}}, 0, time.UnixMilli(1)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if v, ok := idx.GetBookView(k); ok && v.Initialized && !v.Valid() {
					t.Error("reader observed invalid initialized book")
					return
				}
				idx.TopOfBook(k)
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		price := 100 + float64(i%10)/10
		err := idx.ApplyBookSnapshot(k,
			[]market.PriceLevel{{Price: price, Quantity: 1}},
			[]market.PriceLevel{{Price: price + 1, Quantity: 1}},
			0, time.UnixMilli(int64(2+i)))
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}
