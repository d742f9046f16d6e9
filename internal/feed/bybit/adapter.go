package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit_connector "github.com/bybit-exchange/bybit.go.api"

	appconfig "arbflow/config"
	"arbflow/internal/feed"
	"arbflow/internal/market"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

const (
	defaultSpotURL   = "wss://stream.bybit.com/v5/public/spot"
	defaultLinearURL = "wss://stream.bybit.com/v5/public/linear"
)

// Adapter streams Bybit v5 public market data. Spot and linear categories
// use separate websocket endpoints, so the adapter holds one connection per
// category and routes subscriptions by instrument kind.
type Adapter struct {
	feed.AdapterCore

	cfg   *appconfig.Config
	depth int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	spotWS  *bybit_connector.WebSocket
	linWS   *bybit_connector.WebSocket
	// topics per category, re-sent after reconnect
	spotTopics map[string]struct{}
	linTopics  map[string]struct{}

	seqMu sync.Mutex
	seqs  map[string]int64 // venue symbol -> last update id
}

// New builds the adapter.
func New(cfg *appconfig.Config) *Adapter {
	depth := cfg.Venues.Bybit.Depth
	if depth <= 0 {
		depth = 50
	}
	return &Adapter{
		AdapterCore: feed.NewAdapterCore(market.VenueBybit, cfg.Channels.EventBuffer),
		cfg:         cfg,
		depth:       depth,
		spotTopics:  make(map[string]struct{}),
		linTopics:   make(map[string]struct{}),
		seqs:        make(map[string]int64),
	}
}

// Connect dials both public websockets and restores remembered topics.
// Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.SetState(market.Connecting, "")

	spotURL := a.cfg.Venues.Bybit.SpotURL
	if spotURL == "" {
		spotURL = defaultSpotURL
	}
	linURL := a.cfg.Venues.Bybit.LinearURL
	if linURL == "" {
		linURL = defaultLinearURL
	}

	spotWS := bybit_connector.NewBybitPublicWebSocket(spotURL, func(message string) error {
		return a.handleMessage(message, market.Spot)
	})
	linWS := bybit_connector.NewBybitPublicWebSocket(linURL, func(message string) error {
		return a.handleMessage(message, market.Perpetual)
	})
	if spotWS == nil || linWS == nil {
		a.mu.Unlock()
		a.SetState(market.Reconnecting, "websocket client creation failed")
		return fmt.Errorf("failed to create bybit websocket clients")
	}
	if spotWS.Connect() == nil || linWS.Connect() == nil {
		a.mu.Unlock()
		a.SetState(market.Reconnecting, "connect failed")
		return fmt.Errorf("failed to connect bybit websockets")
	}

	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.spotWS = spotWS
	a.linWS = linWS
	spotTopics := topicList(a.spotTopics)
	linTopics := topicList(a.linTopics)
	a.mu.Unlock()

	if len(spotTopics) > 0 {
		if _, err := spotWS.SendSubscription(spotTopics); err != nil {
			a.Logger().WithComponent("bybit_adapter").WithError(err).Warn("failed to restore spot subscriptions")
		}
	}
	if len(linTopics) > 0 {
		if _, err := linWS.SendSubscription(linTopics); err != nil {
			a.Logger().WithComponent("bybit_adapter").WithError(err).Warn("failed to restore linear subscriptions")
		}
	}

	a.SetState(market.Connected, "")
	return nil
}

// Disconnect tears both sockets down. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	spotWS, linWS := a.spotWS, a.linWS
	a.spotWS, a.linWS = nil, nil
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if spotWS != nil {
		spotWS.Disconnect()
	}
	if linWS != nil {
		linWS.Disconnect()
	}
	a.SetState(market.Disconnected, "disconnect requested")
	return nil
}

func topicList(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	return out
}

// subscribe records the topic for its category and sends it when connected.
func (a *Adapter) subscribe(topic string, kind market.InstrumentKind) error {
	a.mu.Lock()
	var ws *bybit_connector.WebSocket
	if kind == market.Spot {
		a.spotTopics[topic] = struct{}{}
		ws = a.spotWS
	} else {
		a.linTopics[topic] = struct{}{}
		ws = a.linWS
	}
	a.mu.Unlock()

	if ws == nil {
		// Remembered; issued on the next connect.
		return nil
	}
	if _, err := ws.SendSubscription([]string{topic}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	return nil
}

func (a *Adapter) unsubscribe(topic string, kind market.InstrumentKind) error {
	a.mu.Lock()
	if kind == market.Spot {
		delete(a.spotTopics, topic)
	} else {
		delete(a.linTopics, topic)
	}
	a.mu.Unlock()
	// The v5 public stream keeps pushing until the connection drops; topics
	// simply stop being restored after the next reconnect. Incoming data for
	// removed topics is filtered in handleMessage.
	return nil
}

func (a *Adapter) bookTopic(sym string) string   { return fmt.Sprintf("orderbook.%d.%s", a.depth, sym) }
func (a *Adapter) tickerTopic(sym string) string { return "tickers." + sym }
func (a *Adapter) tradeTopic(sym string) string  { return "publicTrade." + sym }

func (a *Adapter) SubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	if kind != market.Spot && kind != market.Perpetual {
		return fmt.Errorf("bybit adapter does not stream %s books", kind)
	}
	return a.subscribe(a.bookTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

func (a *Adapter) SubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	return a.subscribe(a.tickerTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

func (a *Adapter) SubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	return a.subscribe(a.tradeTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

// SubscribeFunding piggybacks on the linear ticker stream, which carries the
// funding rate and next funding time.
func (a *Adapter) SubscribeFunding(sym market.Symbol) error {
	return a.subscribe(a.tickerTopic(symbols.ToVenue(market.VenueBybit, sym, market.Perpetual)), market.Perpetual)
}

func (a *Adapter) UnsubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(a.bookTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

func (a *Adapter) UnsubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(a.tickerTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

func (a *Adapter) UnsubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(a.tradeTopic(symbols.ToVenue(market.VenueBybit, sym, kind)), kind)
}

func (a *Adapter) UnsubscribeFunding(sym market.Symbol) error {
	return a.unsubscribe(a.tickerTopic(symbols.ToVenue(market.VenueBybit, sym, market.Perpetual)), market.Perpetual)
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	a.spotTopics = make(map[string]struct{})
	a.linTopics = make(map[string]struct{})
	a.mu.Unlock()
	return nil
}

// subscribedTopic reports whether the topic is still wanted for a category.
func (a *Adapter) subscribedTopic(topic string, kind market.InstrumentKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind == market.Spot {
		_, ok := a.spotTopics[topic]
		return ok
	}
	_, ok := a.linTopics[topic]
	return ok
}

type wireMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (a *Adapter) handleMessage(message string, kind market.InstrumentKind) error {
	var msg wireMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return nil
	}
	if msg.Topic == "" {
		return nil
	}
	if !a.subscribedTopic(msg.Topic, kind) {
		return nil
	}

	log := a.Logger().WithComponent("bybit_adapter")
	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		a.handleBook(msg, kind, log)
	case strings.HasPrefix(msg.Topic, "tickers."):
		a.handleTicker(msg, kind, log)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		a.handleTrades(msg, kind, log)
	}
	return nil
}

type wireBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

func (a *Adapter) handleBook(msg wireMessage, kind market.InstrumentKind, log *logger.Entry) {
	var b wireBook
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		log.WithError(err).Debug("failed to decode orderbook payload")
		return
	}
	key := market.Key{
		Venue:      market.VenueBybit,
		Symbol:     symbols.ToCanonical(market.VenueBybit, b.Symbol),
		Instrument: kind,
	}
	ts := time.UnixMilli(msg.Ts)
	bids := parseLevels(b.Bids)
	asks := parseLevels(b.Asks)

	if msg.Type == "snapshot" || b.Update == 1 {
		// u == 1 is Bybit's service-restart snapshot marker.
		a.setSeq(b.Symbol, b.Update)
		a.Emit(market.BookSnapshot{Key: key, Bids: bids, Asks: asks, Seq: b.Update, Time: ts})
		return
	}

	a.seqMu.Lock()
	last, ok := a.seqs[b.Symbol]
	chainOK := ok && b.Update > last
	if chainOK {
		a.seqs[b.Symbol] = b.Update
	}
	a.seqMu.Unlock()
	if !chainOK {
		log.WithFields(logger.Fields{"symbol": b.Symbol}).Warn("bybit update id regression, dropping delta")
		return
	}

	a.Emit(market.BookDelta{Key: key, Bids: bids, Asks: asks, Time: ts})
}

func (a *Adapter) setSeq(sym string, u int64) {
	a.seqMu.Lock()
	a.seqs[sym] = u
	a.seqMu.Unlock()
}

type wireTicker struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	LastPrice       string `json:"lastPrice"`
	Volume24h       string `json:"volume24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (a *Adapter) handleTicker(msg wireMessage, kind market.InstrumentKind, log *logger.Entry) {
	var t wireTicker
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		log.WithError(err).Debug("failed to decode ticker payload")
		return
	}
	if t.Symbol == "" {
		return
	}
	key := market.Key{
		Venue:      market.VenueBybit,
		Symbol:     symbols.ToCanonical(market.VenueBybit, t.Symbol),
		Instrument: kind,
	}
	ts := time.UnixMilli(msg.Ts)

	ticker := market.Ticker{
		Bid:       parseFloat(t.Bid1Price),
		Ask:       parseFloat(t.Ask1Price),
		BidSize:   parseFloat(t.Bid1Size),
		AskSize:   parseFloat(t.Ask1Size),
		Last:      parseFloat(t.LastPrice),
		Volume24h: parseFloat(t.Volume24h),
		Timestamp: ts,
	}
	if kind == market.Perpetual && t.FundingRate != "" {
		ticker.FundingRate = parseFloat(t.FundingRate)
		ticker.HasFunding = true
	}
	a.Emit(market.TickerUpdate{Key: key, Ticker: ticker})

	if ticker.HasFunding {
		next := time.Time{}
		if ms := parseInt(t.NextFundingTime); ms > 0 {
			next = time.UnixMilli(ms)
		}
		a.Emit(market.FundingUpdate{Key: key, Rate: ticker.FundingRate, NextFunding: next, Time: ts})
	}
}

type wireTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

func (a *Adapter) handleTrades(msg wireMessage, kind market.InstrumentKind, log *logger.Entry) {
	var trades []wireTrade
	if err := json.Unmarshal(msg.Data, &trades); err != nil {
		log.WithError(err).Debug("failed to decode trade payload")
		return
	}
	for _, t := range trades {
		side := market.Buy
		if strings.EqualFold(t.Side, "sell") {
			side = market.Sell
		}
		a.Emit(market.Trade{
			Key: market.Key{
				Venue:      market.VenueBybit,
				Symbol:     symbols.ToCanonical(market.VenueBybit, t.Symbol),
				Instrument: kind,
			},
			Price:    parseFloat(t.Price),
			Quantity: parseFloat(t.Size),
			Side:     side,
			Time:     time.UnixMilli(t.Time),
		})
	}
}

func parseLevels(raw [][]string) []market.PriceLevel {
	levels := make([]market.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price := parseFloat(entry[0])
		qty := parseFloat(entry[1])
		if price <= 0 || qty < 0 {
			continue
		}
		levels = append(levels, market.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
