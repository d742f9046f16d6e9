package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "arbflow/config"
	"arbflow/internal/index"
	"arbflow/internal/market"
)

// fakeAdapter is a scriptable in-memory venue for dispatcher tests.
type fakeAdapter struct {
	AdapterCore

	mu            sync.Mutex
	connectCalls  int
	connectErrs   int // fail this many connects before succeeding
	subscriptions []string
	resyncs       []market.Key
	unsubAll      int
}

func newFakeAdapter(v market.Venue) *fakeAdapter {
	return &fakeAdapter{AdapterCore: NewAdapterCore(v, 64)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	fail := f.connectErrs > 0
	if fail {
		f.connectErrs--
	}
	f.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	f.SetState(market.Connected, "")
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.SetState(market.Disconnected, "")
	return nil
}

func (f *fakeAdapter) record(op string, sym market.Symbol, kind market.InstrumentKind) error {
	f.mu.Lock()
	f.subscriptions = append(f.subscriptions, op+":"+sym+":"+kind.String())
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SubscribeBook(s market.Symbol, k market.InstrumentKind) error {
	return f.record("book", s, k)
}
func (f *fakeAdapter) SubscribeTrades(s market.Symbol, k market.InstrumentKind) error {
	return f.record("trades", s, k)
}
func (f *fakeAdapter) SubscribeTicker(s market.Symbol, k market.InstrumentKind) error {
	return f.record("ticker", s, k)
}
func (f *fakeAdapter) SubscribeFunding(s market.Symbol) error {
	return f.record("funding", s, market.Perpetual)
}
func (f *fakeAdapter) UnsubscribeBook(s market.Symbol, k market.InstrumentKind) error   { return nil }
func (f *fakeAdapter) UnsubscribeTrades(s market.Symbol, k market.InstrumentKind) error { return nil }
func (f *fakeAdapter) UnsubscribeTicker(s market.Symbol, k market.InstrumentKind) error { return nil }
func (f *fakeAdapter) UnsubscribeFunding(s market.Symbol) error                         { return nil }

func (f *fakeAdapter) UnsubscribeAll() error {
	f.mu.Lock()
	f.unsubAll++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) RequestResync(sym market.Symbol, kind market.InstrumentKind) error {
	f.mu.Lock()
	f.resyncs = append(f.resyncs, market.Key{Venue: f.Venue(), Symbol: sym, Instrument: kind})
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

func (f *fakeAdapter) resyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resyncs)
}

func dispatcherConfig() *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{EventBuffer: 64},
		Dispatcher: appconfig.DispatcherConfig{
			Reconnect:      appconfig.ReconnectConfig{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 5},
			CircuitBreaker: appconfig.CircuitBreakerConfig{FailureThreshold: 10, RecoveryTimeoutMs: 100},
			ResyncRate:     appconfig.ResyncRateConfig{RequestsPerSecond: 100, Burst: 10},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeAllVenuesFansOut(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a1 := newFakeAdapter(market.VenueBinance)
	a2 := newFakeAdapter(market.VenueBybit)
	if err := d.AddAdapter(a1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.AddAdapter(a2); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := d.SubscribeAllVenues("BTC-USDT", market.Perpetual); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// book + ticker + trades + funding per adapter.
	if a1.subCount() != 4 || a2.subCount() != 4 {
		t.Fatalf("expected 4 subscriptions each, got %d/%d", a1.subCount(), a2.subCount())
	}
}

func TestIngestAppliesEvents(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	k := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot}
	a.Emit(market.BookSnapshot{
		Key:  k,
		Bids: []market.PriceLevel{{Price: 100, Quantity: 1}},
		Asks: []market.PriceLevel{{Price: 101, Quantity: 1}},
		Seq:  7,
		Time: time.Now(),
	})
	a.Emit(market.TickerUpdate{Key: k, Ticker: market.Ticker{Bid: 100, Ask: 101, Timestamp: time.Now()}})

	waitFor(t, "snapshot applied", func() bool {
		v, ok := idx.GetBookView(k)
		return ok && v.Valid()
	})
	waitFor(t, "ticker applied", func() bool {
		_, ok := idx.GetTicker(k)
		return ok
	})
}

// A sequence gap observed by the core clears the book and asks the adapter
// for a fresh snapshot.
func TestDesyncTriggersResync(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	k := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot}
	now := time.Now()
	a.Emit(market.BookSnapshot{
		Key:  k,
		Bids: []market.PriceLevel{{Price: 100, Quantity: 1}},
		Asks: []market.PriceLevel{{Price: 101, Quantity: 1}},
		Seq:  100,
		Time: now,
	})
	// Gap: 100 -> 102.
	a.Emit(market.BookDelta{
		Key:  k,
		Bids: []market.PriceLevel{{Price: 100, Quantity: 2}},
		Seq:  102,
		Time: now.Add(time.Millisecond),
	})

	waitFor(t, "resync request", func() bool { return a.resyncCount() == 1 })

	v, ok := idx.GetBookView(k)
	if !ok || v.Initialized {
		t.Fatalf("expected cleared, uninitialized book after desync")
	}
}

func TestUnsubscribeAllRestoresIndex(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if err := d.SubscribeAllVenues("BTC-USDT", market.Spot); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	k := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot}
	a.Emit(market.TickerUpdate{Key: k, Ticker: market.Ticker{Bid: 1, Ask: 2, Timestamp: time.Now()}})
	waitFor(t, "ticker applied", func() bool {
		_, ok := idx.GetTicker(k)
		return ok
	})

	if err := d.UnsubscribeAll(); err != nil {
		t.Fatalf("unsubscribe all: %v", err)
	}
	if _, ok := idx.GetTicker(k); ok {
		t.Fatalf("expected key removed after unsubscribe")
	}
	if a.unsubAll != 1 {
		t.Fatalf("expected adapter UnsubscribeAll called")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if err := d.SubscribeAllVenues("BTC-USDT", market.Spot); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := a.subCount()

	// Simulate a dropped connection.
	a.SetState(market.Reconnecting, "read error")

	waitFor(t, "reconnect", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.connectCalls >= 2
	})
	waitFor(t, "resubscribe", func() bool { return a.subCount() > before })
}

func TestVenueFailedAfterAttemptCap(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	a.connectErrs = 100 // never recovers
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	k := market.Key{Venue: market.VenueBinance, Symbol: "BTC-USDT", Instrument: market.Spot}
	idx.UpsertTicker(k, market.Ticker{Bid: 1, Ask: 2, Timestamp: time.Now()})

	a.SetState(market.Reconnecting, "read error")

	waitFor(t, "venue marked failed", func() bool {
		return d.State()[market.VenueBinance] == market.Failed
	})
	if _, ok := idx.GetTicker(k); ok {
		t.Fatalf("failed venue keys must leave aggregation")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	idx := index.New()
	d := NewDispatcher(dispatcherConfig(), idx)
	a := newFakeAdapter(market.VenueBinance)
	if err := d.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Start again is a no-op.
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	done := make(chan struct{}, 2)
	go func() { d.Stop(); done <- struct{}{} }()
	go func() { d.Stop(); done <- struct{}{} }()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("stop did not complete")
		}
	}
	if d.State()[market.VenueBinance] != market.Disconnected {
		t.Fatalf("expected disconnected state after stop")
	}
}
