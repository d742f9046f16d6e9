package market

import "time"

// Event is a normalized message produced by a venue adapter. Adapters must
// deliver events for a given Key in venue order; across keys no ordering is
// guaranteed.
type Event interface {
	EventKey() Key
	EventTime() time.Time
	event()
}

// BookSnapshot replaces the full book state for a key.
type BookSnapshot struct {
	Key  Key
	Bids []PriceLevel
	Asks []PriceLevel
	Seq  int64
	Time time.Time
}

// BookDelta modifies individual levels; entries with Quantity == 0 are
// removals.
type BookDelta struct {
	Key  Key
	Bids []PriceLevel
	Asks []PriceLevel
	Seq  int64
	Time time.Time
}

// TickerUpdate replaces the ticker for a key.
type TickerUpdate struct {
	Key    Key
	Ticker Ticker
}

// Trade reports a public trade. Consumed for last-trade statistics only.
type Trade struct {
	Key      Key
	Price    float64
	Quantity float64
	Side     Side
	Time     time.Time
}

// FundingUpdate reports the current funding rate for a perpetual.
type FundingUpdate struct {
	Key         Key
	Rate        float64
	NextFunding time.Time
	Time        time.Time
}

// StateChange reports an adapter connection state transition.
type StateChange struct {
	Venue  Venue
	State  ConnectionState
	Reason string
	Time   time.Time
}

func (e BookSnapshot) EventKey() Key  { return e.Key }
func (e BookDelta) EventKey() Key     { return e.Key }
func (e TickerUpdate) EventKey() Key  { return e.Key }
func (e Trade) EventKey() Key         { return e.Key }
func (e FundingUpdate) EventKey() Key { return e.Key }
func (e StateChange) EventKey() Key   { return Key{Venue: e.Venue} }

func (e BookSnapshot) EventTime() time.Time  { return e.Time }
func (e BookDelta) EventTime() time.Time     { return e.Time }
func (e TickerUpdate) EventTime() time.Time  { return e.Ticker.Timestamp }
func (e Trade) EventTime() time.Time         { return e.Time }
func (e FundingUpdate) EventTime() time.Time { return e.Time }
func (e StateChange) EventTime() time.Time   { return e.Time }

func (BookSnapshot) event()  {}
func (BookDelta) event()     {}
func (TickerUpdate) event()  {}
func (Trade) event()         {}
func (FundingUpdate) event() {}
func (StateChange) event()   {}
