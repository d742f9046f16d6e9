package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/internal/feed"
	"arbflow/internal/market"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

// Adapter streams Binance spot and futures market data through the official
// websocket streams, seeding each book from a REST depth snapshot. Diff
// depth continuity is validated venue-side: Binance chains updates through
// PrevLastUpdateID rather than a contiguous sequence, so a broken chain
// triggers a fresh snapshot fetch instead of a core-level desync.
type Adapter struct {
	feed.AdapterCore

	cfg *appconfig.Config

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	stops   map[string]chan struct{}

	spot    *gobinance.Client
	futs    *futures.Client
	limiter *rate.Limiter

	seqMu   sync.Mutex
	chainID map[market.Key]int64
}

// New builds the adapter. Only public market data is consumed so no API
// credentials are required.
func New(cfg *appconfig.Config) *Adapter {
	rps := cfg.Venues.Binance.SnapshotRPS
	if rps <= 0 {
		rps = 5
	}
	return &Adapter{
		AdapterCore: feed.NewAdapterCore(market.VenueBinance, cfg.Channels.EventBuffer),
		cfg:         cfg,
		wg:          &sync.WaitGroup{},
		stops:       make(map[string]chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		chainID:     make(map[market.Key]int64),
	}
}

// Connect prepares the REST clients. The websocket streams are dialed per
// subscription. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.spot = gobinance.NewClient("", "")
	a.futs = futures.NewClient("", "")
	a.SetState(market.Connected, "")
	return nil
}

// Disconnect stops every stream. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	for _, stop := range a.stops {
		close(stop)
	}
	a.stops = make(map[string]chan struct{})
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.SetState(market.Disconnected, "disconnect requested")
	return nil
}

func (a *Adapter) streamKey(kind, sym string, inst market.InstrumentKind) string {
	return fmt.Sprintf("%s:%s:%s", kind, sym, inst)
}

// registerStream remembers a stream's stop channel, replacing (and stopping)
// any previous stream with the same key so subscriptions stay idempotent.
func (a *Adapter) registerStream(key string, stop chan struct{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		close(stop)
		return fmt.Errorf("binance adapter not connected")
	}
	if prev, ok := a.stops[key]; ok {
		close(prev)
	}
	a.stops[key] = stop
	return nil
}

func (a *Adapter) dropStream(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, ok := a.stops[key]; ok {
		close(stop)
		delete(a.stops, key)
	}
}

// SubscribeBook seeds the book with a REST snapshot, then follows the diff
// depth stream.
func (a *Adapter) SubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	if kind != market.Spot && kind != market.Perpetual {
		return fmt.Errorf("binance adapter does not stream %s books", kind)
	}
	venueSym := symbols.ToVenue(market.VenueBinance, sym, kind)
	key := market.Key{Venue: market.VenueBinance, Symbol: sym, Instrument: kind}
	log := a.Logger().WithComponent("binance_adapter").WithFields(logger.Fields{
		"symbol": venueSym, "instrument": kind.String(),
	})

	if err := a.fetchSnapshot(key, venueSym); err != nil {
		log.WithError(err).Warn("initial depth snapshot failed")
	}

	handlerErr := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
			a.SetState(market.Reconnecting, err.Error())
		}
	}

	var doneC, stopC chan struct{}
	var err error
	if kind == market.Spot {
		doneC, stopC, err = gobinance.WsDepthServe(venueSym, func(event *gobinance.WsDepthEvent) {
			a.handleSpotDepth(key, event)
		}, handlerErr)
	} else {
		doneC, stopC, err = futures.WsDiffDepthServe(venueSym, func(event *futures.WsDepthEvent) {
			a.handleFuturesDepth(key, event)
		}, handlerErr)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to depth stream: %w", err)
	}

	if err := a.registerStream(a.streamKey("book", venueSym, kind), stopC); err != nil {
		return err
	}
	a.superviseStream(doneC, log, "depth")
	return nil
}

// superviseStream waits for a stream to end and reports it as a reconnectable
// drop unless the adapter is shutting down.
func (a *Adapter) superviseStream(doneC chan struct{}, log *logger.Entry, stream string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-a.ctx.Done():
		case <-doneC:
			a.mu.Lock()
			running := a.running
			a.mu.Unlock()
			if running {
				log.Warn(stream + " stream ended unexpectedly")
				a.SetState(market.Reconnecting, stream+" stream ended")
			}
		}
	}()
}

func (a *Adapter) fetchSnapshot(key market.Key, venueSym string) error {
	if err := a.limiter.Wait(a.ctx); err != nil {
		return err
	}
	depth := a.cfg.Venues.Binance.SnapshotDepth
	if depth <= 0 {
		depth = 100
	}

	if key.Instrument == market.Spot {
		res, err := a.spot.NewDepthService().Symbol(venueSym).Limit(depth).Do(a.ctx)
		if err != nil {
			return err
		}
		bids := make([]market.PriceLevel, 0, len(res.Bids))
		for _, b := range res.Bids {
			bids = appendLevel(bids, b.Price, b.Quantity)
		}
		asks := make([]market.PriceLevel, 0, len(res.Asks))
		for _, l := range res.Asks {
			asks = appendLevel(asks, l.Price, l.Quantity)
		}
		a.setChain(key, res.LastUpdateID)
		a.Emit(market.BookSnapshot{Key: key, Bids: bids, Asks: asks, Seq: res.LastUpdateID, Time: time.Now()})
		return nil
	}

	res, err := a.futs.NewDepthService().Symbol(venueSym).Limit(depth).Do(a.ctx)
	if err != nil {
		return err
	}
	bids := make([]market.PriceLevel, 0, len(res.Bids))
	for _, b := range res.Bids {
		bids = appendLevel(bids, b.Price, b.Quantity)
	}
	asks := make([]market.PriceLevel, 0, len(res.Asks))
	for _, l := range res.Asks {
		asks = appendLevel(asks, l.Price, l.Quantity)
	}
	a.setChain(key, res.LastUpdateID)
	a.Emit(market.BookSnapshot{Key: key, Bids: bids, Asks: asks, Seq: res.LastUpdateID, Time: time.Now()})
	return nil
}

func (a *Adapter) setChain(key market.Key, id int64) {
	a.seqMu.Lock()
	a.chainID[key] = id
	a.seqMu.Unlock()
}

// checkChain validates Binance's update chaining. Spot uses
// FirstUpdateID <= last+1 <= LastUpdateID, futures chains PrevLastUpdateID.
func (a *Adapter) checkChain(key market.Key, first, last, prev int64, futuresRule bool) bool {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	cur, ok := a.chainID[key]
	if !ok {
		return false
	}
	if futuresRule {
		if prev != cur {
			return false
		}
	} else {
		if last <= cur {
			// Already covered by the snapshot; handleSpotDepth drops these
			// before the chain check.
			return false
		}
		if first > cur+1 {
			return false
		}
	}
	a.chainID[key] = last
	return true
}

func (a *Adapter) handleSpotDepth(key market.Key, event *gobinance.WsDepthEvent) {
	a.seqMu.Lock()
	cur, seeded := a.chainID[key]
	a.seqMu.Unlock()
	if seeded && event.LastUpdateID <= cur {
		// Already covered by the snapshot; drop silently.
		return
	}
	if !a.checkChain(key, event.FirstUpdateID, event.LastUpdateID, 0, false) {
		a.resnapshot(key)
		return
	}
	bids := make([]market.PriceLevel, 0, len(event.Bids))
	for _, b := range event.Bids {
		bids = appendLevelKeepZero(bids, b.Price, b.Quantity)
	}
	asks := make([]market.PriceLevel, 0, len(event.Asks))
	for _, l := range event.Asks {
		asks = appendLevelKeepZero(asks, l.Price, l.Quantity)
	}
	a.Emit(market.BookDelta{Key: key, Bids: bids, Asks: asks, Time: time.UnixMilli(event.Time)})
}

func (a *Adapter) handleFuturesDepth(key market.Key, event *futures.WsDepthEvent) {
	if !a.checkChain(key, event.FirstUpdateID, event.LastUpdateID, event.PrevLastUpdateID, true) {
		a.resnapshot(key)
		return
	}
	bids := make([]market.PriceLevel, 0, len(event.Bids))
	for _, b := range event.Bids {
		bids = appendLevelKeepZero(bids, b.Price, b.Quantity)
	}
	asks := make([]market.PriceLevel, 0, len(event.Asks))
	for _, l := range event.Asks {
		asks = appendLevelKeepZero(asks, l.Price, l.Quantity)
	}
	a.Emit(market.BookDelta{Key: key, Bids: bids, Asks: asks, Time: time.UnixMilli(event.Time)})
}

// resnapshot refreshes a broken chain in the background.
func (a *Adapter) resnapshot(key market.Key) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		venueSym := symbols.ToVenue(market.VenueBinance, key.Symbol, key.Instrument)
		if err := a.fetchSnapshot(key, venueSym); err != nil {
			a.Logger().WithComponent("binance_adapter").WithError(err).
				WithFields(logger.Fields{"key": key.String()}).Warn("resnapshot failed")
		}
	}()
}

// RequestResync re-seeds one book from REST, used by the dispatcher after a
// core-level desync.
func (a *Adapter) RequestResync(sym market.Symbol, kind market.InstrumentKind) error {
	key := market.Key{Venue: market.VenueBinance, Symbol: sym, Instrument: kind}
	venueSym := symbols.ToVenue(market.VenueBinance, sym, kind)
	return a.fetchSnapshot(key, venueSym)
}

// SubscribeTicker follows the book ticker stream.
func (a *Adapter) SubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	venueSym := symbols.ToVenue(market.VenueBinance, sym, kind)
	key := market.Key{Venue: market.VenueBinance, Symbol: sym, Instrument: kind}
	log := a.Logger().WithComponent("binance_adapter").WithFields(logger.Fields{
		"symbol": venueSym, "instrument": kind.String(),
	})
	handlerErr := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
			a.SetState(market.Reconnecting, err.Error())
		}
	}

	var doneC, stopC chan struct{}
	var err error
	if kind == market.Spot {
		doneC, stopC, err = gobinance.WsBookTickerServe(venueSym, func(event *gobinance.WsBookTickerEvent) {
			a.Emit(market.TickerUpdate{Key: key, Ticker: market.Ticker{
				Bid:       parseFloat(event.BestBidPrice),
				Ask:       parseFloat(event.BestAskPrice),
				BidSize:   parseFloat(event.BestBidQty),
				AskSize:   parseFloat(event.BestAskQty),
				Timestamp: time.Now(),
			}})
		}, handlerErr)
	} else {
		doneC, stopC, err = futures.WsBookTickerServe(venueSym, func(event *futures.WsBookTickerEvent) {
			a.Emit(market.TickerUpdate{Key: key, Ticker: market.Ticker{
				Bid:       parseFloat(event.BestBidPrice),
				Ask:       parseFloat(event.BestAskPrice),
				BidSize:   parseFloat(event.BestBidQty),
				AskSize:   parseFloat(event.BestAskQty),
				Timestamp: time.Now(),
			}})
		}, handlerErr)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to book ticker stream: %w", err)
	}
	if err := a.registerStream(a.streamKey("ticker", venueSym, kind), stopC); err != nil {
		return err
	}
	a.superviseStream(doneC, log, "ticker")
	return nil
}

// SubscribeTrades follows public trades for last-trade statistics.
func (a *Adapter) SubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	venueSym := symbols.ToVenue(market.VenueBinance, sym, kind)
	key := market.Key{Venue: market.VenueBinance, Symbol: sym, Instrument: kind}
	log := a.Logger().WithComponent("binance_adapter").WithFields(logger.Fields{
		"symbol": venueSym, "instrument": kind.String(),
	})
	handlerErr := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	var doneC, stopC chan struct{}
	var err error
	if kind == market.Spot {
		doneC, stopC, err = gobinance.WsTradeServe(venueSym, func(event *gobinance.WsTradeEvent) {
			side := market.Buy
			if event.IsBuyerMaker {
				side = market.Sell
			}
			a.Emit(market.Trade{
				Key:      key,
				Price:    parseFloat(event.Price),
				Quantity: parseFloat(event.Quantity),
				Side:     side,
				Time:     time.UnixMilli(event.TradeTime),
			})
		}, handlerErr)
	} else {
		doneC, stopC, err = futures.WsAggTradeServe(venueSym, func(event *futures.WsAggTradeEvent) {
			side := market.Buy
			if event.Maker {
				side = market.Sell
			}
			a.Emit(market.Trade{
				Key:      key,
				Price:    parseFloat(event.Price),
				Quantity: parseFloat(event.Quantity),
				Side:     side,
				Time:     time.UnixMilli(event.TradeTime),
			})
		}, handlerErr)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to trade stream: %w", err)
	}
	if err := a.registerStream(a.streamKey("trades", venueSym, kind), stopC); err != nil {
		return err
	}
	a.superviseStream(doneC, log, "trades")
	return nil
}

// SubscribeFunding follows the mark price stream, which carries the funding
// rate and next funding time for perpetuals.
func (a *Adapter) SubscribeFunding(sym market.Symbol) error {
	venueSym := symbols.ToVenue(market.VenueBinance, sym, market.Perpetual)
	key := market.Key{Venue: market.VenueBinance, Symbol: sym, Instrument: market.Perpetual}
	log := a.Logger().WithComponent("binance_adapter").WithFields(logger.Fields{"symbol": venueSym})
	handlerErr := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	doneC, stopC, err := futures.WsMarkPriceServe(venueSym, func(event *futures.WsMarkPriceEvent) {
		a.Emit(market.FundingUpdate{
			Key:         key,
			Rate:        parseFloat(event.FundingRate),
			NextFunding: time.UnixMilli(event.NextFundingTime),
			Time:        time.UnixMilli(event.Time),
		})
	}, handlerErr)
	if err != nil {
		return fmt.Errorf("failed to subscribe to mark price stream: %w", err)
	}
	if err := a.registerStream(a.streamKey("funding", venueSym, market.Perpetual), stopC); err != nil {
		return err
	}
	a.superviseStream(doneC, log, "funding")
	return nil
}

func (a *Adapter) UnsubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	a.dropStream(a.streamKey("book", symbols.ToVenue(market.VenueBinance, sym, kind), kind))
	return nil
}

func (a *Adapter) UnsubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	a.dropStream(a.streamKey("ticker", symbols.ToVenue(market.VenueBinance, sym, kind), kind))
	return nil
}

func (a *Adapter) UnsubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	a.dropStream(a.streamKey("trades", symbols.ToVenue(market.VenueBinance, sym, kind), kind))
	return nil
}

func (a *Adapter) UnsubscribeFunding(sym market.Symbol) error {
	a.dropStream(a.streamKey("funding", symbols.ToVenue(market.VenueBinance, sym, market.Perpetual), market.Perpetual))
	return nil
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, stop := range a.stops {
		close(stop)
		delete(a.stops, key)
	}
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func appendLevel(levels []market.PriceLevel, price, qty string) []market.PriceLevel {
	p, err1 := strconv.ParseFloat(price, 64)
	q, err2 := strconv.ParseFloat(qty, 64)
	if err1 != nil || err2 != nil || p <= 0 || q <= 0 {
		return levels
	}
	return append(levels, market.PriceLevel{Price: p, Quantity: q})
}

// appendLevelKeepZero keeps zero-quantity entries because in a delta they
// mean "remove this price".
func appendLevelKeepZero(levels []market.PriceLevel, price, qty string) []market.PriceLevel {
	p, err1 := strconv.ParseFloat(price, 64)
	q, err2 := strconv.ParseFloat(qty, 64)
	if err1 != nil || err2 != nil || p <= 0 || q < 0 {
		return levels
	}
	return append(levels, market.PriceLevel{Price: p, Quantity: q})
}
