package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	appconfig "arbflow/config"
	"arbflow/internal/feed"
	"arbflow/internal/market"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

const defaultEndpoint = "https://api-futures.kucoin.com"

// Adapter streams KuCoin futures market data through the universal SDK's
// public websocket, seeding each book from the REST level2 snapshot. KuCoin
// increments carry a contiguous sequence, so gaps surface as core desyncs
// and resolve through RequestResync. Spot instruments are not covered by
// this adapter.
type Adapter struct {
	feed.AdapterCore

	cfg      *appconfig.Config
	endpoint string

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ws      futurespublic.FuturesPublicWS
	client  *http.Client
	// venue symbols with an active book subscription
	books map[string]struct{}
}

// New builds the adapter.
func New(cfg *appconfig.Config) *Adapter {
	endpoint := cfg.Venues.Kucoin.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Adapter{
		AdapterCore: feed.NewAdapterCore(market.VenueKucoin, cfg.Channels.EventBuffer),
		cfg:         cfg,
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 10 * time.Second},
		books:       make(map[string]struct{}),
	}
}

// Connect starts the SDK websocket service. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.SetState(market.Connecting, "")

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(16).
		SetTimeout(10 * time.Second).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(a.endpoint).
		WithTransportOption(transportOpt).
		Build()
	client := sdkapi.NewClient(option)
	ws := client.WsService().NewFuturesPublicWS()

	if err := ws.Start(); err != nil {
		a.mu.Unlock()
		a.SetState(market.Reconnecting, err.Error())
		return fmt.Errorf("failed to start kucoin websocket: %w", err)
	}

	a.running = true
	a.ws = ws
	a.ctx, a.cancel = context.WithCancel(ctx)
	books := make([]string, 0, len(a.books))
	for s := range a.books {
		books = append(books, s)
	}
	a.mu.Unlock()

	for _, sym := range books {
		if err := a.streamBook(sym); err != nil {
			a.Logger().WithComponent("kucoin_adapter").WithError(err).
				WithFields(logger.Fields{"symbol": sym}).Warn("failed to restore book subscription")
		}
	}

	a.SetState(market.Connected, "")
	return nil
}

// Disconnect stops the websocket service. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	ws := a.ws
	a.ws = nil
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Stop()
	}
	a.SetState(market.Disconnected, "disconnect requested")
	return nil
}

func (a *Adapter) keyFor(venueSym string) market.Key {
	return market.Key{
		Venue:      market.VenueKucoin,
		Symbol:     symbols.ToCanonical(market.VenueKucoin, venueSym),
		Instrument: market.Perpetual,
	}
}

// SubscribeBook seeds the book over REST and follows level2 increments.
func (a *Adapter) SubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	if kind != market.Perpetual {
		return fmt.Errorf("kucoin adapter streams perpetual books only")
	}
	venueSym := symbols.ToVenue(market.VenueKucoin, sym, kind)

	a.mu.Lock()
	a.books[venueSym] = struct{}{}
	connected := a.ws != nil
	a.mu.Unlock()
	if !connected {
		// Remembered; issued on the next connect.
		return nil
	}
	return a.streamBook(venueSym)
}

func (a *Adapter) streamBook(venueSym string) error {
	key := a.keyFor(venueSym)
	log := a.Logger().WithComponent("kucoin_adapter").WithFields(logger.Fields{"symbol": venueSym})

	if err := a.fetchSnapshot(venueSym); err != nil {
		log.WithError(err).Warn("initial level2 snapshot failed")
	}

	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("kucoin adapter not connected")
	}

	_, err := ws.OrderbookIncrement(venueSym, func(topic, subject string, data *futurespublic.OrderbookIncrementEvent) error {
		side, price, qty := parseChange(data.Change)
		level := market.PriceLevel{Price: price, Quantity: qty}
		delta := market.BookDelta{
			Key:  key,
			Seq:  data.Sequence,
			Time: time.UnixMilli(data.Timestamp),
		}
		switch side {
		case "buy":
			delta.Bids = []market.PriceLevel{level}
		case "sell":
			delta.Asks = []market.PriceLevel{level}
		default:
			return nil
		}
		a.Emit(delta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe level2 increments: %w", err)
	}
	return nil
}

// fetchSnapshot seeds a book from the REST level2 snapshot endpoint.
func (a *Adapter) fetchSnapshot(venueSym string) error {
	reqURL, err := url.Parse(a.endpoint + "/api/v1/level2/snapshot")
	if err != nil {
		return err
	}
	q := reqURL.Query()
	q.Set("symbol", venueSym)
	reqURL.RawQuery = q.Encode()

	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var resp struct {
		Code string `json:"code"`
		Data struct {
			Sequence int64       `json:"sequence"`
			Ts       int64       `json:"ts"`
			Bids     [][]float64 `json:"bids"`
			Asks     [][]float64 `json:"asks"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("failed to decode snapshot data: %w", err)
	}

	toLevels := func(raw [][]float64) []market.PriceLevel {
		levels := make([]market.PriceLevel, 0, len(raw))
		for _, e := range raw {
			if len(e) < 2 || e[0] <= 0 || e[1] <= 0 {
				continue
			}
			levels = append(levels, market.PriceLevel{Price: e[0], Quantity: e[1]})
		}
		return levels
	}

	ts := time.Now()
	if resp.Data.Ts > 0 {
		ts = time.Unix(0, resp.Data.Ts)
	}
	a.Emit(market.BookSnapshot{
		Key:  a.keyFor(venueSym),
		Bids: toLevels(resp.Data.Bids),
		Asks: toLevels(resp.Data.Asks),
		Seq:  resp.Data.Sequence,
		Time: ts,
	})
	return nil
}

// RequestResync re-seeds one book from REST after a desync.
func (a *Adapter) RequestResync(sym market.Symbol, kind market.InstrumentKind) error {
	if kind != market.Perpetual {
		return fmt.Errorf("kucoin adapter streams perpetual books only")
	}
	return a.fetchSnapshot(symbols.ToVenue(market.VenueKucoin, sym, kind))
}

// SubscribeTicker follows the level1 ticker stream.
func (a *Adapter) SubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	if kind != market.Perpetual {
		return fmt.Errorf("kucoin adapter streams perpetual tickers only")
	}
	venueSym := symbols.ToVenue(market.VenueKucoin, sym, kind)
	key := a.keyFor(venueSym)

	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("kucoin adapter not connected")
	}

	_, err := ws.TickerV2(venueSym, func(topic, subject string, data *futurespublic.TickerV2Event) error {
		a.Emit(market.TickerUpdate{Key: key, Ticker: market.Ticker{
			Bid:       parseFloat(data.BestBidPrice),
			Ask:       parseFloat(data.BestAskPrice),
			BidSize:   float64(data.BestBidSize),
			AskSize:   float64(data.BestAskSize),
			Timestamp: time.Unix(0, data.Ts),
		}})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe ticker: %w", err)
	}
	return nil
}

// SubscribeTrades is not carried by the futures public channels this adapter
// consumes; last-trade statistics for KuCoin stay empty.
func (a *Adapter) SubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	a.Logger().WithComponent("kucoin_adapter").WithFields(logger.Fields{"symbol": sym}).
		Debug("trade stream not supported, skipping")
	return nil
}

// SubscribeFunding is served by periodic REST polling of the contract
// detail, which carries the current funding rate.
func (a *Adapter) SubscribeFunding(sym market.Symbol) error {
	venueSym := symbols.ToVenue(market.VenueKucoin, sym, market.Perpetual)
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("kucoin adapter not connected")
	}
	ctx := a.ctx
	a.mu.Unlock()

	go a.pollFunding(ctx, venueSym)
	return nil
}

func (a *Adapter) pollFunding(ctx context.Context, venueSym string) {
	log := a.Logger().WithComponent("kucoin_adapter").WithFields(logger.Fields{
		"symbol": venueSym,
		"worker": "funding_poller",
	})
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	fetch := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/api/v1/contracts/"+venueSym, nil)
		if err != nil {
			return
		}
		res, err := a.client.Do(req)
		if err != nil {
			log.WithError(err).Debug("funding fetch failed")
			return
		}
		defer res.Body.Close()
		var resp struct {
			Data struct {
				FundingFeeRate  float64 `json:"fundingFeeRate"`
				NextFundingTime int64   `json:"nextFundingRateTime"`
			} `json:"data"`
		}
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			log.WithError(err).Debug("funding decode failed")
			return
		}
		now := time.Now()
		a.Emit(market.FundingUpdate{
			Key:         a.keyFor(venueSym),
			Rate:        resp.Data.FundingFeeRate,
			NextFunding: now.Add(time.Duration(resp.Data.NextFundingTime) * time.Millisecond),
			Time:        now,
		})
	}

	fetch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}

func (a *Adapter) UnsubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	venueSym := symbols.ToVenue(market.VenueKucoin, sym, kind)
	a.mu.Lock()
	delete(a.books, venueSym)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) UnsubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	return nil
}

func (a *Adapter) UnsubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	return nil
}

func (a *Adapter) UnsubscribeFunding(sym market.Symbol) error {
	return nil
}

// UnsubscribeAll forgets every subscription; the websocket restarts clean on
// the next connect.
func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	a.books = make(map[string]struct{})
	a.mu.Unlock()
	return nil
}

// parseChange splits KuCoin's "price,side,size" change encoding.
func parseChange(change string) (side string, price, qty float64) {
	parts := strings.Split(change, ",")
	if len(parts) < 3 {
		return
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "buy", "sell":
			side = p
		default:
			if price == 0 {
				price = parseFloat(p)
			} else if qty == 0 {
				qty = parseFloat(p)
			}
		}
	}
	return
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
