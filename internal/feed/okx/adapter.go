package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbflow/config"
	"arbflow/internal/feed"
	"arbflow/internal/market"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

const defaultWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// subArg is one OKX subscription argument.
type subArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// Adapter connects directly to the official OKX public websocket without a
// third-party SDK. One connection carries every subscribed channel; book
// updates chain through seqId/prevSeqId and a broken chain re-subscribes the
// channel, which yields a fresh snapshot.
type Adapter struct {
	feed.AdapterCore

	cfg *appconfig.Config
	url string

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[subArg]struct{}

	seqMu sync.Mutex
	seqs  map[string]int64 // instId -> last seqId
}

// New builds the adapter.
func New(cfg *appconfig.Config) *Adapter {
	url := cfg.Venues.Okx.URL
	if url == "" {
		url = defaultWSURL
	}
	return &Adapter{
		AdapterCore: feed.NewAdapterCore(market.VenueOKX, cfg.Channels.EventBuffer),
		cfg:         cfg,
		url:         url,
		wg:          &sync.WaitGroup{},
		subs:        make(map[subArg]struct{}),
		seqs:        make(map[string]int64),
	}
}

// Connect dials the websocket and starts the read loop. Idempotent; a
// second call while connected is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.SetState(market.Connecting, "")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(a.url, nil)
	if err != nil {
		a.mu.Unlock()
		a.SetState(market.Reconnecting, err.Error())
		return fmt.Errorf("failed to connect okx websocket: %w", err)
	}

	a.running = true
	a.conn = conn
	a.ctx, a.cancel = context.WithCancel(ctx)
	subs := make([]subArg, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	if len(subs) > 0 {
		if err := a.send(map[string]interface{}{"op": "subscribe", "args": subs}); err != nil {
			a.Logger().WithComponent("okx_adapter").WithError(err).Warn("failed to restore subscriptions")
		}
	}

	a.wg.Add(2)
	go a.readLoop(conn)
	go a.pingLoop(conn)

	a.SetState(market.Connected, "")
	return nil
}

// Disconnect closes the connection and stops the loops. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	conn := a.conn
	a.conn = nil
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	a.wg.Wait()
	a.SetState(market.Disconnected, "disconnect requested")
	return nil
}

func (a *Adapter) send(v interface{}) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("okx adapter not connected")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (a *Adapter) subscribe(arg subArg) error {
	a.mu.Lock()
	a.subs[arg] = struct{}{}
	connected := a.conn != nil
	a.mu.Unlock()
	if !connected {
		// Remembered; issued on the next connect.
		return nil
	}
	return a.send(map[string]interface{}{"op": "subscribe", "args": []subArg{arg}})
}

func (a *Adapter) unsubscribe(arg subArg) error {
	a.mu.Lock()
	delete(a.subs, arg)
	connected := a.conn != nil
	a.mu.Unlock()
	if !connected {
		return nil
	}
	return a.send(map[string]interface{}{"op": "unsubscribe", "args": []subArg{arg}})
}

func (a *Adapter) bookChannel() string { return "books" }

func (a *Adapter) SubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	return a.subscribe(subArg{Channel: a.bookChannel(), InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) SubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	return a.subscribe(subArg{Channel: "tickers", InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) SubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	return a.subscribe(subArg{Channel: "trades", InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) SubscribeFunding(sym market.Symbol) error {
	return a.subscribe(subArg{Channel: "funding-rate", InstID: symbols.ToVenue(market.VenueOKX, sym, market.Perpetual)})
}

func (a *Adapter) UnsubscribeBook(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(subArg{Channel: a.bookChannel(), InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) UnsubscribeTicker(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(subArg{Channel: "tickers", InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) UnsubscribeTrades(sym market.Symbol, kind market.InstrumentKind) error {
	return a.unsubscribe(subArg{Channel: "trades", InstID: symbols.ToVenue(market.VenueOKX, sym, kind)})
}

func (a *Adapter) UnsubscribeFunding(sym market.Symbol) error {
	return a.unsubscribe(subArg{Channel: "funding-rate", InstID: symbols.ToVenue(market.VenueOKX, sym, market.Perpetual)})
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	subs := make([]subArg, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	a.subs = make(map[subArg]struct{})
	connected := a.conn != nil
	a.mu.Unlock()
	if !connected || len(subs) == 0 {
		return nil
	}
	return a.send(map[string]interface{}{"op": "unsubscribe", "args": subs})
}

// RequestResync re-subscribes the book channel, which replays a snapshot.
func (a *Adapter) RequestResync(sym market.Symbol, kind market.InstrumentKind) error {
	arg := subArg{Channel: a.bookChannel(), InstID: symbols.ToVenue(market.VenueOKX, sym, kind)}
	if err := a.unsubscribe(arg); err != nil {
		return err
	}
	return a.subscribe(arg)
}

func (a *Adapter) pingLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	log := a.Logger().WithComponent("okx_adapter").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			running := a.running
			var cancel context.CancelFunc
			if running {
				a.conn = nil
				a.running = false
				cancel = a.cancel
			}
			a.mu.Unlock()
			if running {
				if cancel != nil {
					cancel()
				}
				log.WithError(err).Warn("websocket read error")
				a.SetState(market.Reconnecting, err.Error())
			}
			return
		}
		a.processMessage(msg, log)
	}
}

type wirePush struct {
	Arg    subArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (a *Adapter) processMessage(msg []byte, log *logger.Entry) {
	if string(msg) == "pong" {
		return
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(msg, &base); err != nil {
		log.WithError(err).Debug("failed to decode message")
		return
	}
	if _, ok := base["event"]; ok {
		var evt struct {
			Event string `json:"event"`
			Msg   string `json:"msg"`
		}
		json.Unmarshal(msg, &evt)
		if evt.Event == "error" {
			log.WithFields(logger.Fields{"msg": evt.Msg}).Warn("okx subscription error")
		}
		return
	}
	if _, ok := base["data"]; !ok {
		return
	}

	var push wirePush
	if err := json.Unmarshal(msg, &push); err != nil {
		log.WithError(err).Debug("failed to decode push")
		return
	}

	switch push.Arg.Channel {
	case "books", "books5", "books-l2-tbt":
		a.handleBook(push, log)
	case "tickers":
		a.handleTicker(push, log)
	case "trades":
		a.handleTrades(push, log)
	case "funding-rate":
		a.handleFunding(push, log)
	}
}

func (a *Adapter) keyFor(instID string) market.Key {
	kind := market.Spot
	if len(instID) > 5 && instID[len(instID)-5:] == "-SWAP" {
		kind = market.Perpetual
	}
	return market.Key{
		Venue:      market.VenueOKX,
		Symbol:     symbols.ToCanonical(market.VenueOKX, instID),
		Instrument: kind,
	}
}

type wireBook struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Ts        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

func (a *Adapter) handleBook(push wirePush, log *logger.Entry) {
	var books []wireBook
	if err := json.Unmarshal(push.Data, &books); err != nil || len(books) == 0 {
		return
	}
	b := books[0]
	key := a.keyFor(push.Arg.InstID)
	ts := parseMillis(b.Ts)

	bids := parseLevels(b.Bids)
	asks := parseLevels(b.Asks)

	if push.Action == "snapshot" || push.Action == "" {
		a.seqMu.Lock()
		a.seqs[push.Arg.InstID] = b.SeqID
		a.seqMu.Unlock()
		a.Emit(market.BookSnapshot{Key: key, Bids: bids, Asks: asks, Seq: b.SeqID, Time: ts})
		return
	}

	// Update: validate the venue chain before forwarding.
	a.seqMu.Lock()
	last, ok := a.seqs[push.Arg.InstID]
	chainOK := ok && b.PrevSeqID == last
	if chainOK {
		a.seqs[push.Arg.InstID] = b.SeqID
	}
	a.seqMu.Unlock()

	if !chainOK {
		log.WithFields(logger.Fields{"inst": push.Arg.InstID}).Warn("okx sequence gap, re-subscribing book")
		arg := subArg{Channel: push.Arg.Channel, InstID: push.Arg.InstID}
		if err := a.unsubscribe(arg); err == nil {
			a.subscribe(arg)
		}
		return
	}

	a.Emit(market.BookDelta{Key: key, Bids: bids, Asks: asks, Time: ts})
}

type wireTicker struct {
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	Vol24h string `json:"vol24h"`
	Ts     string `json:"ts"`
}

func (a *Adapter) handleTicker(push wirePush, log *logger.Entry) {
	var tickers []wireTicker
	if err := json.Unmarshal(push.Data, &tickers); err != nil || len(tickers) == 0 {
		return
	}
	t := tickers[0]
	a.Emit(market.TickerUpdate{
		Key: a.keyFor(push.Arg.InstID),
		Ticker: market.Ticker{
			Bid:       parseFloat(t.BidPx),
			Ask:       parseFloat(t.AskPx),
			BidSize:   parseFloat(t.BidSz),
			AskSize:   parseFloat(t.AskSz),
			Last:      parseFloat(t.Last),
			Volume24h: parseFloat(t.Vol24h),
			Timestamp: parseMillis(t.Ts),
		},
	})
}

type wireTrade struct {
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"`
	Ts   string `json:"ts"`
}

func (a *Adapter) handleTrades(push wirePush, log *logger.Entry) {
	var trades []wireTrade
	if err := json.Unmarshal(push.Data, &trades); err != nil {
		return
	}
	key := a.keyFor(push.Arg.InstID)
	for _, t := range trades {
		side := market.Buy
		if t.Side == "sell" {
			side = market.Sell
		}
		a.Emit(market.Trade{
			Key:      key,
			Price:    parseFloat(t.Px),
			Quantity: parseFloat(t.Sz),
			Side:     side,
			Time:     parseMillis(t.Ts),
		})
	}
}

type wireFunding struct {
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Ts              string `json:"ts"`
}

func (a *Adapter) handleFunding(push wirePush, log *logger.Entry) {
	var records []wireFunding
	if err := json.Unmarshal(push.Data, &records); err != nil || len(records) == 0 {
		return
	}
	f := records[0]
	a.Emit(market.FundingUpdate{
		Key:         a.keyFor(push.Arg.InstID),
		Rate:        parseFloat(f.FundingRate),
		NextFunding: parseMillis(f.NextFundingTime),
		Time:        parseMillis(f.Ts),
	})
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
		l := market.PriceLevel{Price: price, Quantity: qty}
		if len(entry) >= 4 {
			if n, err := strconv.ParseUint(entry[3], 10, 32); err == nil {
				l.OrderCount = uint32(n)
			}
		}
		levels = append(levels, l)
	}
	return levels
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
